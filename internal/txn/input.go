package txn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RawAmount holds an amount as received, either a JSON number or a JSON
// string. Validation happens in Input.Parse so that a bad amount rejects one
// record rather than the whole request body.
type RawAmount string

// UnmarshalJSON accepts numbers, strings and null.
func (r *RawAmount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = RawAmount(s)
		return nil
	}
	*r = RawAmount(b)
	return nil
}

// Input is an unvalidated transaction record.
type Input struct {
	ID             string    `json:"id"`
	Amount         RawAmount `json:"amount"`
	Timestamp      string    `json:"timestamp"`
	DepartmentID   string    `json:"departmentId"`
	VendorID       string    `json:"vendorId"`
	VendorCategory string    `json:"vendorCategory"`
	ProjectID      string    `json:"projectId,omitempty"`
	Description    string    `json:"description,omitempty"`
}

// InputError reports a record that failed validation.
type InputError struct {
	ID     string
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid transaction: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid transaction %s: %s: %s", e.ID, e.Field, e.Reason)
}

// TimestampLayouts are the accepted timestamp formats, tried in order.
var TimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006 15:04",
	"2006/01/02 15:04:05",
}

// ParseTimestamp parses s using TimestampLayouts. Layouts without a zone
// are interpreted in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSpace(s)
	for _, layout := range TimestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Parse validates the input and returns a Transaction. Blank department,
// category and vendor fields are replaced with Unknown.
func (in Input) Parse(loc *time.Location) (*Transaction, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return nil, &InputError{Field: "id", Reason: "required"}
	}

	raw := strings.TrimSpace(string(in.Amount))
	if raw == "" {
		return nil, &InputError{ID: id, Field: "amount", Reason: "required"}
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, &InputError{ID: id, Field: "amount", Reason: "not a number"}
	}
	if amount.IsNegative() {
		return nil, &InputError{ID: id, Field: "amount", Reason: "must not be negative"}
	}

	if strings.TrimSpace(in.Timestamp) == "" {
		return nil, &InputError{ID: id, Field: "timestamp", Reason: "required"}
	}
	ts, err := ParseTimestamp(in.Timestamp, loc)
	if err != nil {
		return nil, &InputError{ID: id, Field: "timestamp", Reason: err.Error()}
	}

	return &Transaction{
		ID:             id,
		Amount:         amount,
		Timestamp:      ts,
		DepartmentID:   orUnknown(in.DepartmentID),
		VendorID:       orUnknown(in.VendorID),
		VendorCategory: orUnknown(in.VendorCategory),
		ProjectID:      strings.TrimSpace(in.ProjectID),
		Description:    in.Description,
	}, nil
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return Unknown
	}
	return s
}
