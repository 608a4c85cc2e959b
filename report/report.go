// Package report provides the structured validation report shared by the
// trusted-list fetchers, the trust store and the qualification engine.
package report

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Result is the outcome attached to a report item. Results are ordered by
// severity so that the overall outcome of a report is the maximum of its items.
type Result int

const (
	ResultValid Result = iota
	ResultInfo
	ResultIndeterminate
	ResultInvalid
)

// String returns the string representation of the result.
func (r Result) String() string {
	switch r {
	case ResultValid:
		return "VALID"
	case ResultInfo:
		return "INFO"
	case ResultIndeterminate:
		return "INDETERMINATE"
	case ResultInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// ParseResult parses the string form produced by Result.String.
func ParseResult(s string) (Result, error) {
	switch strings.ToUpper(s) {
	case "VALID":
		return ResultValid, nil
	case "INFO":
		return ResultInfo, nil
	case "INDETERMINATE":
		return ResultIndeterminate, nil
	case "INVALID":
		return ResultInvalid, nil
	default:
		return ResultValid, errors.Newf("unknown report result %q", s)
	}
}

// Item is a single entry of a validation report.
type Item struct {
	Timestamp   time.Time
	Check       string
	Message     string
	Result      Result
	Certificate *x509.Certificate
	Err         error
}

// String formats the item on one line.
func (i *Item) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s: %s", i.Result, i.Check, i.Message)
	if i.Certificate != nil {
		fmt.Fprintf(&sb, " (certificate %s)", i.Certificate.Subject.String())
	}
	if i.Err != nil {
		fmt.Fprintf(&sb, ": %v", i.Err)
	}
	return sb.String()
}

// Report accumulates report items. It is safe for concurrent use.
type Report struct {
	mu    sync.RWMutex
	items []*Item
	now   func() time.Time
}

// New creates an empty report.
func New() *Report {
	return &Report{now: time.Now}
}

// Add appends an item without certificate or cause.
func (r *Report) Add(check, message string, result Result) {
	r.AddItem(&Item{Check: check, Message: message, Result: result})
}

// Addf appends an item with a formatted message.
func (r *Report) Addf(result Result, check, format string, args ...interface{}) {
	r.AddItem(&Item{Check: check, Message: fmt.Sprintf(format, args...), Result: result})
}

// AddCertificate appends an item about a specific certificate.
func (r *Report) AddCertificate(cert *x509.Certificate, check, message string, result Result) {
	r.AddItem(&Item{Check: check, Message: message, Result: result, Certificate: cert})
}

// AddError appends an item carrying the error that caused it.
func (r *Report) AddError(check, message string, err error, result Result) {
	r.AddItem(&Item{Check: check, Message: message, Result: result, Err: err})
}

// AddItem appends a prepared item, stamping it if needed.
func (r *Report) AddItem(item *Item) {
	if item == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if item.Timestamp.IsZero() {
		item.Timestamp = r.clock()
	}
	r.items = append(r.items, item)
}

func (r *Report) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

// Merge appends all items of other to r.
func (r *Report) Merge(other *Report) {
	if other == nil || other == r {
		return
	}
	items := other.Items()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, items...)
}

// Items returns a copy of all items in insertion order.
func (r *Report) Items() []*Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Item, len(r.items))
	copy(result, r.items)
	return result
}

// Len returns the number of items.
func (r *Report) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// ItemsByCheck returns items recorded under the given check name.
func (r *Report) ItemsByCheck(check string) []*Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Item
	for _, item := range r.items {
		if item.Check == check {
			result = append(result, item)
		}
	}
	return result
}

// ItemsByResult returns items with exactly the given result.
func (r *Report) ItemsByResult(res Result) []*Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Item
	for _, item := range r.items {
		if item.Result == res {
			result = append(result, item)
		}
	}
	return result
}

// Result returns the most severe result among all items, or ResultValid
// for an empty report.
func (r *Report) Result() Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := ResultValid
	for _, item := range r.items {
		if item.Result > res {
			res = item.Result
		}
	}
	return res
}

// Valid reports whether no item is INDETERMINATE or INVALID.
func (r *Report) Valid() bool {
	return r.Result() <= ResultInfo
}

// Downgrade rewrites every item with result from to result to.
// It returns the number of items changed.
func (r *Report) Downgrade(from, to Result) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i, item := range r.items {
		if item.Result == from {
			copied := *item
			copied.Result = to
			r.items[i] = &copied
			n++
		}
	}
	return n
}

// Checks returns the distinct check names, sorted.
func (r *Report) Checks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, item := range r.items {
		seen[item.Check] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for c := range seen {
		result = append(result, c)
	}
	sort.Strings(result)
	return result
}

// Format formats the report as text.
func (r *Report) Format() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("=== VALIDATION REPORT ===\n")
	res := ResultValid
	for _, item := range r.items {
		if item.Result > res {
			res = item.Result
		}
	}
	sb.WriteString(fmt.Sprintf("Result: %s\n", res))
	sb.WriteString(fmt.Sprintf("Items: %d\n\n", len(r.items)))
	for i, item := range r.items {
		sb.WriteString(fmt.Sprintf("[%d] %s %s\n", i+1, item.Timestamp.Format("15:04:05.000"), item.String()))
	}
	return sb.String()
}

type itemJSON struct {
	Timestamp   int64  `json:"timestamp"`
	Check       string `json:"check"`
	Message     string `json:"message"`
	Result      string `json:"result"`
	Certificate []byte `json:"certificate,omitempty"`
	Error       string `json:"error,omitempty"`
}

// MarshalJSON encodes the report items. Errors are kept as their message.
func (r *Report) MarshalJSON() ([]byte, error) {
	items := r.Items()
	out := make([]itemJSON, 0, len(items))
	for _, item := range items {
		j := itemJSON{
			Timestamp: item.Timestamp.UnixMilli(),
			Check:     item.Check,
			Message:   item.Message,
			Result:    item.Result.String(),
		}
		if item.Certificate != nil {
			j.Certificate = item.Certificate.Raw
		}
		if item.Err != nil {
			j.Error = item.Err.Error()
		}
		out = append(out, j)
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a report encoded by MarshalJSON.
func (r *Report) UnmarshalJSON(data []byte) error {
	var in []itemJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.Wrap(err, "decoding report items")
	}
	items := make([]*Item, 0, len(in))
	for _, j := range in {
		res, err := ParseResult(j.Result)
		if err != nil {
			return err
		}
		item := &Item{
			Timestamp: time.UnixMilli(j.Timestamp).UTC(),
			Check:     j.Check,
			Message:   j.Message,
			Result:    res,
		}
		if len(j.Certificate) > 0 {
			cert, err := x509.ParseCertificate(j.Certificate)
			if err != nil {
				return errors.Wrapf(err, "decoding certificate of report item %q", j.Check)
			}
			item.Certificate = cert
		}
		if j.Error != "" {
			item.Err = errors.New(j.Error)
		}
		items = append(items, item)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = items
	if r.now == nil {
		r.now = time.Now
	}
	return nil
}
