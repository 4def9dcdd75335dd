package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/values"
)

// subjectNamespace derives stable subject ids for files without a
// subject_id column.
var subjectNamespace = uuid.MustParse("6f1c2a8e-4b1d-5e9a-9c3f-2d7e8b0a1c44")

var requiredColumns = []string{"state", "district", "age", "gender", "date"}

var fieldAliases = map[string]string{
	"DATE_OF_BIRTH": "DOB",
	"MOBILE_NUMBER": "MOBILE",
}

var dateLayouts = []string{time.DateOnly, "02-01-2006", "02/01/2006", time.RFC3339}

// parseStats counts what happened to the rows of one or more files.
type parseStats struct {
	Files      int `json:"files"`
	Rows       int `json:"rows"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
}

func (s *parseStats) add(o parseStats) {
	s.Files += o.Files
	s.Rows += o.Rows
	s.Duplicates += o.Duplicates
	s.Invalid += o.Invalid
}

// rowError reports a row that could not be turned into an event.
type rowError struct {
	Line int
	Err  error
}

func (e rowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

type csvParser struct {
	typ   event.Type
	title cases.Caser
	seen  map[string]struct{}
	// onInvalid is told about every rejected row.
	onInvalid func(rowError)
}

func newCSVParser(typ event.Type, onInvalid func(rowError)) *csvParser {
	if onInvalid == nil {
		onInvalid = func(rowError) {}
	}
	return &csvParser{
		typ:       typ,
		title:     cases.Title(language.Und),
		seen:      make(map[string]struct{}),
		onInvalid: onInvalid,
	}
}

// normalizeHeader maps "Update Type " to "update_type".
func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(h), " ", "_"))
}

// text trims and title-cases a free-text column.
func (p *csvParser) text(s string) string {
	return p.title.String(norm.NFC.String(strings.TrimSpace(s)))
}

// Parse reads one CSV stream. Rows identical after normalization to any row
// p has already seen are dropped. Rows that fail to parse are counted and
// skipped.
func (p *csvParser) Parse(r io.Reader) ([]event.Event, parseStats, error) {
	var stats parseStats
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, stats, fmt.Errorf("empty file")
	}
	if err != nil {
		return nil, stats, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[normalizeHeader(h)] = i
	}
	required := requiredColumns
	if p.typ == event.TypeDemographicUpdate {
		required = append(append([]string{}, requiredColumns...), "update_type")
	}
	for _, c := range required {
		if _, ok := cols[c]; !ok {
			return nil, stats, fmt.Errorf("missing column %q", c)
		}
	}
	get := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var out []event.Event
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, stats, fmt.Errorf("line %d: %w", line, err)
		}
		stats.Rows++

		row := rawRow{
			SubjectID:  strings.TrimSpace(get(rec, "subject_id")),
			State:      p.text(get(rec, "state")),
			District:   p.text(get(rec, "district")),
			Gender:     p.text(get(rec, "gender")),
			Age:        strings.TrimSpace(get(rec, "age")),
			Date:       strings.TrimSpace(get(rec, "date")),
			Pincode:    strings.TrimSpace(get(rec, "pincode")),
			UpdateType: strings.TrimSpace(get(rec, "update_type")),
			OldValue:   strings.TrimSpace(get(rec, "old_value")),
			NewValue:   strings.TrimSpace(get(rec, "new_value")),
		}
		fingerprint := row.fingerprint()
		if _, dup := p.seen[fingerprint]; dup {
			stats.Duplicates++
			continue
		}
		p.seen[fingerprint] = struct{}{}

		e, err := row.toEvent(p.typ, fingerprint)
		if err != nil {
			stats.Invalid++
			p.onInvalid(rowError{Line: line, Err: err})
			continue
		}
		out = append(out, e)
	}
	return out, stats, nil
}

type rawRow struct {
	SubjectID, State, District, Gender, Age, Date string
	Pincode, UpdateType, OldValue, NewValue       string
}

func (r rawRow) fingerprint() string {
	return strings.Join([]string{
		r.SubjectID, r.State, r.District, r.Gender, r.Age, r.Date,
		r.Pincode, r.UpdateType, r.OldValue, r.NewValue,
	}, "\x1f")
}

func (r rawRow) toEvent(typ event.Type, fingerprint string) (event.Event, error) {
	ts, err := parseDate(r.Date)
	if err != nil {
		return event.Event{}, err
	}
	age := 0
	if r.Age != "" {
		if age, err = strconv.Atoi(r.Age); err != nil {
			return event.Event{}, fmt.Errorf("invalid age %q", r.Age)
		}
	}
	gender := r.Gender
	if strings.EqualFold(gender, "unknown") {
		gender = ""
	}
	g, err := event.ParseGender(gender)
	if err != nil {
		return event.Event{}, err
	}
	var field event.Field
	if typ == event.TypeDemographicUpdate {
		name := strings.ToUpper(strings.ReplaceAll(r.UpdateType, " ", "_"))
		if alias, ok := fieldAliases[name]; ok {
			name = alias
		}
		if field, err = event.ParseField(name); err != nil {
			return event.Event{}, err
		}
	}
	var pincode values.Pincode
	if r.Pincode != "" {
		if pincode, err = values.NewPincode(r.Pincode); err != nil {
			return event.Event{}, err
		}
	}
	subject := r.SubjectID
	if subject == "" {
		subject = uuid.NewSHA1(subjectNamespace, []byte(string(typ)+"\x1f"+fingerprint)).String()
	}
	return event.Event{
		SubjectID:    subject,
		Type:         typ,
		FieldChanged: field,
		OldValue:     r.OldValue,
		NewValue:     r.NewValue,
		Location:     event.Location{Pincode: pincode, District: r.District, State: r.State},
		Gender:       g,
		Age:          age,
		Timestamp:    ts,
	}, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// collectFiles expands directories to the *.csv files they contain.
func collectFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.csv"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no csv files found")
	}
	return files, nil
}

// parseFiles reads every file and returns the events in timestamp order.
func (p *csvParser) parseFiles(files []string) ([]event.Event, parseStats, error) {
	var (
		all   []event.Event
		total parseStats
	)
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, total, err
		}
		events, stats, err := p.Parse(f)
		f.Close()
		if err != nil {
			return nil, total, fmt.Errorf("%s: %w", path, err)
		}
		stats.Files = 1
		total.add(stats)
		all = append(all, events...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all, total, nil
}
