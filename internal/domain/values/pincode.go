package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
)

// Pincode represents a validated six digit Indian postal index number
type Pincode struct {
	code string
}

var pincodeRegex = regexp.MustCompile(`^[1-9][0-9]{5}$`)

// NewPincode creates a Pincode value object. Embedded spaces ("395 001")
// are tolerated and stripped.
func NewPincode(code string) (Pincode, error) {
	if code == "" {
		return Pincode{}, errors.NewValidationError("EMPTY_PINCODE", "pincode cannot be empty")
	}

	cleaned := strings.ReplaceAll(strings.TrimSpace(code), " ", "")
	if !pincodeRegex.MatchString(cleaned) {
		return Pincode{}, errors.NewValidationError("INVALID_PINCODE",
			fmt.Sprintf("invalid pincode format: %s", code))
	}

	return Pincode{code: cleaned}, nil
}

// MustNewPincode creates Pincode and panics on error (for constants/tests)
func MustNewPincode(code string) Pincode {
	p, err := NewPincode(code)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pincode) String() string {
	return p.code
}

func (p Pincode) IsEmpty() bool {
	return p.code == ""
}

// Region returns the first digit of the pincode, which identifies the postal zone
func (p Pincode) Region() string {
	if p.code == "" {
		return ""
	}
	return p.code[:1]
}

func (p Pincode) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.code)
}

func (p *Pincode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*p = Pincode{}
		return nil
	}
	parsed, err := NewPincode(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Value implements driver.Valuer for database storage
func (p Pincode) Value() (driver.Value, error) {
	if p.code == "" {
		return nil, nil
	}
	return p.code, nil
}

// Scan implements sql.Scanner for database retrieval
func (p *Pincode) Scan(value interface{}) error {
	if value == nil {
		*p = Pincode{}
		return nil
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Pincode", value)
	}

	parsed, err := NewPincode(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
