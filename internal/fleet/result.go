package fleet

import (
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"
)

// Failure is one device that did not complete a batch operation.
type Failure struct {
	IP   string
	Note string
	Err  error
}

// Key identifies the device in failure counting and alert text.
func (f Failure) Key() string {
	return fmt.Sprintf("[%s-%s]", f.IP, f.Note)
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.IP, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

func (f Failure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		IP    string `json:"ip"`
		Note  string `json:"note,omitempty"`
		Error string `json:"error"`
	}{f.IP, f.Note, msg})
}

// Result splits a batch into its successes, in input order, and failures.
type Result[T any] struct {
	Succeeded []T       `json:"succeeded"`
	Failed    []Failure `json:"failed"`
}

// Err combines every failure into one error, or nil when all succeeded.
func (r *Result[T]) Err() error {
	var err error
	for _, f := range r.Failed {
		err = multierr.Append(err, f)
	}
	return err
}

// Total is the number of devices the batch targeted.
func (r *Result[T]) Total() int {
	return len(r.Succeeded) + len(r.Failed)
}
