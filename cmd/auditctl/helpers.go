package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mbd888/auditrisk/internal/scoring"
	"github.com/mbd888/auditrisk/internal/txn"
)

// readInputs accepts either a bare JSON array of transactions or the
// {"transactions": [...]} body the batch endpoint takes. "-" reads stdin.
func readInputs(path string, stdin io.Reader) ([]txn.Input, error) {
	data, err := readFile(path, stdin)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var body struct {
			Transactions []txn.Input `json:"transactions"`
		}
		if err := json.Unmarshal(trimmed, &body); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return body.Transactions, nil
	}

	var inputs []txn.Input
	if err := json.Unmarshal(trimmed, &inputs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return inputs, nil
}

func readFile(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseAll validates inputs, returning the good transactions and a count of
// rejected records.
func parseAll(inputs []txn.Input, loc *time.Location) ([]*txn.Transaction, int) {
	out := make([]*txn.Transaction, 0, len(inputs))
	rejected := 0
	for _, in := range inputs {
		tx, err := in.Parse(loc)
		if err != nil {
			rejected++
			continue
		}
		out = append(out, tx)
	}
	return out, rejected
}

func groupKey(tx *txn.Transaction, by scoring.GroupBy) string {
	if by == scoring.GroupByCategory {
		return tx.VendorCategory
	}
	return tx.DepartmentID
}
