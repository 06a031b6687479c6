package storage

import "time"

// Device is the last known state of an address that answered a query.
type Device struct {
	IP       string    `json:"ip"`
	Vendor   string    `json:"vendor"`
	Model    string    `json:"model"`
	Mode     string    `json:"mode"`
	Pool1    string    `json:"pool1"`
	Worker1  string    `json:"worker1"`
	HashAvg  string    `json:"hashAvg"`
	LastSeen time.Time `json:"lastSeen"`
}
