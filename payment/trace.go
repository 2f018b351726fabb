package payment

import "fmt"

// Op names a proxy call site. It prefixes every trace label.
type Op string

const (
	OpCreate  Op = "create"
	OpConfirm Op = "confirm"
	OpFetch   Op = "fetch"
)

// Trace ties a provider trace identifier to the call site and outcome that produced it.
type Trace struct {
	Label string `json:"label"`
	ID    string `json:"id"`
}

func SuccessTrace(op Op, id string) Trace {
	return Trace{Label: string(op) + "_ok", ID: id}
}

func ErrorTrace(op Op, id string) Trace {
	return Trace{Label: string(op) + "_error", ID: id}
}

func (t Trace) Empty() bool {
	return t.ID == ""
}

// HeaderValue renders the trace as "<label>:<id>", or "" when no id was issued.
func (t Trace) HeaderValue() string {
	if t.Empty() {
		return ""
	}
	return fmt.Sprintf("%s:%s", t.Label, t.ID)
}
