// Package recipients reads campaign recipient lists from tabular sources
// and writes delivery status back to them.
package recipients

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

var (
	ErrEmptySource   = errors.New("source is empty or has no header row")
	ErrNoEmailColumn = errors.New("no email column found")
	ErrUnknownKind   = errors.New("unknown recipient source kind")
)

// Recipient is one data row. Row is the 1-based row number in the source,
// so the header is row 1 and the first recipient row 2.
type Recipient struct {
	Row    int               `json:"row"`
	Email  string            `json:"email"`
	Name   string            `json:"name,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
	Valid  bool              `json:"valid"`
	Reason string            `json:"reason,omitempty"`
}

// Source is a readable and markable recipient list.
type Source interface {
	ReadRecipients(ctx context.Context, sourceID, rng string) ([]Recipient, error)
	// MarkSent writes the sent status for the given rows.
	MarkSent(ctx context.Context, sourceID string, rows []int) error
}

// Registry resolves a source by kind ("sheets", "xlsx").
type Registry map[string]Source

func (r Registry) Get(kind string) (Source, error) {
	s, ok := r[kind]
	if !ok || s == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s, nil
}

const (
	DefaultStatusColumn = "Email Status"
	SentValue           = "Sent"
)

var (
	emailHeaders = []string{"email", "email address", "e-mail", "mail", "email_address", "user_email", "contact_email"}
	nameHeaders  = []string{"name", "full name", "first name", "firstname", "last name", "lastname",
		"full_name", "contact_name", "recipient", "recipient_name", "user_name", "username"}
)

func columnIndex(header []string, names []string) int {
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for _, n := range names {
			if h == n {
				return i
			}
		}
	}
	return -1
}

// StatusColumnIndex returns the index of the status column, or -1.
func StatusColumnIndex(header []string, column string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), column) {
			return i
		}
	}
	return -1
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// Parse turns raw rows (header first) into recipients. Rows with an empty
// email cell are ignored. Malformed addresses and repeated addresses
// (case-insensitive, second and later occurrences) are returned with
// Valid=false and a Reason. The status column is not exposed as an extra.
func Parse(rows [][]string, statusColumn string) ([]Recipient, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, ErrEmptySource
	}
	header := rows[0]
	emailCol := columnIndex(header, emailHeaders)
	if emailCol < 0 {
		return nil, fmt.Errorf("%w: expected one of %s", ErrNoEmailColumn, strings.Join(emailHeaders, ", "))
	}
	nameCol := columnIndex(header, nameHeaders)
	statusCol := StatusColumnIndex(header, statusColumn)

	seen := make(map[string]struct{}, len(rows))
	out := make([]Recipient, 0, len(rows)-1)
	for i, row := range rows[1:] {
		email := cell(row, emailCol)
		if email == "" {
			continue
		}
		r := Recipient{Row: i + 2, Email: email, Name: cell(row, nameCol), Valid: true}

		if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email || !strings.Contains(domainOf(email), ".") {
			r.Valid = false
			r.Reason = "invalid email address"
		}
		key := strings.ToLower(email)
		if _, dup := seen[key]; dup {
			r.Valid = false
			r.Reason = "duplicate email address"
		} else {
			seen[key] = struct{}{}
		}

		for c, h := range header {
			if c == emailCol || c == nameCol || c == statusCol || c >= len(row) || strings.TrimSpace(h) == "" {
				continue
			}
			if r.Extra == nil {
				r.Extra = map[string]string{}
			}
			r.Extra[strings.TrimSpace(h)] = row[c]
		}
		out = append(out, r)
	}
	return out, nil
}

func domainOf(email string) string {
	_, d, _ := strings.Cut(email, "@")
	return d
}

// Summary counts recipients by validity.
type Summary struct {
	Valid      int `json:"valid"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
}

func Summarize(rs []Recipient) Summary {
	var s Summary
	for _, r := range rs {
		switch {
		case r.Valid:
			s.Valid++
		case r.Reason == "duplicate email address":
			s.Duplicates++
		default:
			s.Invalid++
		}
	}
	return s
}

// ColumnName converts a 0-based column index to its letter form (0 -> A, 26 -> AA).
func ColumnName(index int) string {
	name := ""
	for index >= 0 {
		name = string(rune('A'+index%26)) + name
		index = index/26 - 1
	}
	return name
}

// Locker serializes status write-backs to one source across workers.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
