// Package extractor turns job-details API payloads into validated client records.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

// KindClient labels records produced by ClientExtractor.
const KindClient = "client"

// ClientAttributes is the persisted client profile of a job posting.
type ClientAttributes struct {
	Country         *string    `json:"client_country,omitempty" validate:"omitempty,max=128"`
	City            *string    `json:"client_city,omitempty" validate:"omitempty,max=128"`
	JoinDate        *time.Time `json:"client_join_date,omitempty"`
	JobsPosted      *int       `json:"client_jobs_posted,omitempty" validate:"omitempty,min=0"`
	OpenJobs        *int       `json:"client_open_jobs,omitempty" validate:"omitempty,min=0"`
	TotalSpentUSD   *int       `json:"client_total_spent_usd,omitempty" validate:"omitempty,min=0"`
	TotalHires      *int       `json:"client_total_hires,omitempty" validate:"omitempty,min=0"`
	ActiveHires     *int       `json:"client_active_hires,omitempty" validate:"omitempty,min=0"`
	AvgHourlyRate   *int       `json:"client_avg_hourly_rate,omitempty" validate:"omitempty,min=0"`
	TotalPaidHours  *int       `json:"client_total_paid_hours,omitempty" validate:"omitempty,min=0"`
	OpenJobsInRange bool       `json:"-" validate:"eq=true"`
}

// jobDetails mirrors the parts of the job-details response we read.
type jobDetails struct {
	Buyer *struct {
		Location struct {
			Country *string `json:"country"`
			City    *string `json:"city"`
		} `json:"location"`
		Company struct {
			ContractDate *string `json:"contractDate"`
		} `json:"company"`
		Jobs struct {
			PostedCount *float64 `json:"postedCount"`
			OpenCount   *float64 `json:"openCount"`
		} `json:"jobs"`
		Stats struct {
			TotalCharges           *amount  `json:"totalCharges"`
			TotalJobsWithHires     *float64 `json:"totalJobsWithHires"`
			ActiveAssignmentsCount *float64 `json:"activeAssignmentsCount"`
			HoursCount             *float64 `json:"hoursCount"`
		} `json:"stats"`
		AvgHourlyJobsRate *amount `json:"avgHourlyJobsRate"`
	} `json:"buyer" validate:"required"`
}

// amount accepts either a bare number or a {"amount": n} money object.
type amount float64

func (a *amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Amount *float64 `json:"amount"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("decode money object: %w", err)
		}
		if obj.Amount != nil {
			*a = amount(*obj.Amount)
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode money value: %w", err)
	}
	*a = amount(f)
	return nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		validate = v
	})
	return validate
}

// ClientExtractor implements harvest.AttributeExtractor for the job-details API.
type ClientExtractor struct {
	clock harvest.Clock
}

// NewClient builds a ClientExtractor. clock may be nil.
func NewClient(clock harvest.Clock) *ClientExtractor {
	return &ClientExtractor{clock: clock}
}

// Extract decodes raw into ClientAttributes. Every failure wraps harvest.ErrSchemaInvalid.
// An empty or truncated body is retryable so the page gets fetched again; a well-formed
// document that violates the schema is fatal for the item.
func (e *ClientExtractor) Extract(_ context.Context, item harvest.WorkItem, raw harvest.RawContent) (harvest.Record, error) {
	attrs, err := ParseClient(raw.Body)
	if err != nil {
		if Refetchable(err) {
			return harvest.Record{}, harvest.Retryable("extract client", err)
		}
		return harvest.Record{}, harvest.Fatal("extract client", err)
	}
	now := time.Now()
	if e.clock != nil {
		now = e.clock.Now()
	}
	return harvest.Record{
		ItemID:      item.ID,
		Kind:        KindClient,
		Payload:     attrs,
		ExtractedAt: now.UTC(),
	}, nil
}

// ParseClient decodes and validates a job-details payload.
func ParseClient(body []byte) (ClientAttributes, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return ClientAttributes{}, fmt.Errorf("%w: %w", errEmptyBody, harvest.ErrSchemaInvalid)
	}
	var doc jobDetails
	if err := json.Unmarshal(body, &doc); err != nil {
		return ClientAttributes{}, fmt.Errorf("decode job details: %w: %w", harvest.ErrSchemaInvalid, err)
	}
	if err := validatorInstance().Struct(doc); err != nil {
		return ClientAttributes{}, schemaError(err)
	}

	b := doc.Buyer
	attrs := ClientAttributes{
		Country:        b.Location.Country,
		City:           b.Location.City,
		JobsPosted:     toInt(b.Jobs.PostedCount),
		OpenJobs:       toInt(b.Jobs.OpenCount),
		TotalHires:     toInt(b.Stats.TotalJobsWithHires),
		ActiveHires:    toInt(b.Stats.ActiveAssignmentsCount),
		TotalPaidHours: toInt(b.Stats.HoursCount),
	}
	if b.Stats.TotalCharges != nil {
		attrs.TotalSpentUSD = toInt((*float64)(b.Stats.TotalCharges))
	}
	if b.AvgHourlyJobsRate != nil {
		attrs.AvgHourlyRate = toInt((*float64)(b.AvgHourlyJobsRate))
	}
	if raw := b.Company.ContractDate; raw != nil && *raw != "" {
		joined, err := parseDate(*raw)
		if err != nil {
			return ClientAttributes{}, fmt.Errorf("client join date: %w: %w", harvest.ErrSchemaInvalid, err)
		}
		attrs.JoinDate = &joined
	}
	attrs.OpenJobsInRange = attrs.OpenJobs == nil || attrs.JobsPosted == nil || *attrs.OpenJobs <= *attrs.JobsPosted

	if err := validatorInstance().Struct(attrs); err != nil {
		return ClientAttributes{}, schemaError(err)
	}
	return attrs, nil
}

var errEmptyBody = errors.New("empty body")

// Refetchable reports whether a ParseClient error came from a body that was cut short or
// was not a JSON document at all, as opposed to a document that decoded and failed validation.
func Refetchable(err error) bool {
	var syntaxErr *json.SyntaxError
	return errors.Is(err, errEmptyBody) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &syntaxErr)
}

func schemaError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("field %s failed %q: %w", fe.Namespace(), fe.Tag(), harvest.ErrSchemaInvalid)
	}
	return fmt.Errorf("validate: %w: %w", harvest.ErrSchemaInvalid, err)
}

// toInt truncates like the downstream schema expects; NaN and infinities are dropped.
func toInt(v *float64) *int {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	n := int(*v)
	return &n
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}
