package fleet

import "testing"

func TestExpandSubnet(t *testing.T) {
	tests := []struct {
		name      string
		subnet    string
		wantCount int
		wantFirst string
		wantLast  string
		wantErr   bool
	}{
		{
			name:      "standard /24 network",
			subnet:    "192.168.1.0/24",
			wantCount: 254,
			wantFirst: "192.168.1.1",
			wantLast:  "192.168.1.254",
		},
		{
			name:      "smaller /28 network",
			subnet:    "10.7.7.0/28",
			wantCount: 14,
			wantFirst: "10.7.7.1",
			wantLast:  "10.7.7.14",
		},
		{
			name:    "invalid CIDR",
			subnet:  "invalid",
			wantErr: true,
		},
		{
			name:    "ipv6",
			subnet:  "fd00::/120",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ips, err := ExpandSubnet(tt.subnet)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ExpandSubnet(%q) expected error, got nil", tt.subnet)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExpandSubnet(%q) unexpected error: %v", tt.subnet, err)
			}
			if len(ips) != tt.wantCount {
				t.Errorf("got %d ips, want %d", len(ips), tt.wantCount)
			}
			if ips[0] != tt.wantFirst || ips[len(ips)-1] != tt.wantLast {
				t.Errorf("range = %s..%s, want %s..%s", ips[0], ips[len(ips)-1], tt.wantFirst, tt.wantLast)
			}
		})
	}
}

func TestRangeTargets(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		offset  int
		count   int
		want    []string
		wantErr bool
	}{
		{name: "uses first three octets", base: "192.168.190.8", offset: 1, count: 3, want: []string{"192.168.190.1", "192.168.190.2", "192.168.190.3"}},
		{name: "three octet base", base: "10.0.5", offset: 250, count: 2, want: []string{"10.0.5.250", "10.0.5.251"}},
		{name: "empty range", base: "10.0.5.1", offset: 7, count: 0, want: []string{}},
		{name: "past last octet", base: "10.0.5.1", offset: 250, count: 10, wantErr: true},
		{name: "garbage base", base: "miners", offset: 0, count: 1, wantErr: true},
		{name: "bad octet", base: "10.0.300.1", offset: 0, count: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RangeTargets(tt.base, tt.offset, tt.count)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}
