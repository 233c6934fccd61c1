package promosync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/promo_sync/models"
)

type Variant string

const (
	VariantFixed   Variant = models.PromoVariantFixed
	VariantPercent Variant = models.PromoVariantPercent
	VariantExport  Variant = models.PromoVariantExport
)

func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case VariantFixed, VariantPercent, VariantExport:
		return v, nil
	case "percentage":
		return VariantPercent, nil
	default:
		return "", fmt.Errorf("unknown variant %q", s)
	}
}

// RowState is the position of one ledger row in the reconciliation pipeline.
type RowState string

const (
	StatePending       RowState = "PENDING"
	StateInvalid       RowState = "INVALID"
	StateResolved      RowState = "RESOLVED"
	StateNotFound      RowState = "NOT_FOUND"
	StateOfferCleared  RowState = "OFFER_REMOVED_OR_ABSENT"
	StateRemovalFailed RowState = "REMOVAL_FAILED"
	StateCreated       RowState = "CREATED"
	StateCreateFailed  RowState = "CREATE_FAILED"
	StatePlanned       RowState = "PLANNED"
)

var transitions = map[RowState][]RowState{
	StatePending:      {StateResolved, StateNotFound, StateInvalid},
	StateResolved:     {StateOfferCleared, StateRemovalFailed, StateInvalid, StatePlanned},
	StateOfferCleared: {StateCreated, StateCreateFailed},
}

func (s RowState) CanMoveTo(next RowState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s RowState) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s RowState) Failed() bool {
	switch s {
	case StateInvalid, StateRemovalFailed, StateCreateFailed:
		return true
	}
	return false
}

func (s RowState) outcome() string {
	switch s {
	case StateCreated:
		return models.RowOutcomeCreated
	case StateNotFound:
		return models.RowOutcomeNotFound
	case StateInvalid:
		return models.RowOutcomeInvalid
	case StateRemovalFailed:
		return models.RowOutcomeRemovalFailed
	case StateCreateFailed:
		return models.RowOutcomeCreateFailed
	case StatePlanned:
		return models.RowOutcomePlanned
	default:
		return strings.ToLower(string(s))
	}
}

// RowResult is the outcome of one ledger row.
type RowResult struct {
	RowNumber      int      `json:"rowNumber"`
	Code           string   `json:"code"`
	State          RowState `json:"state"`
	Status         string   `json:"status"`
	ProductID      int64    `json:"productId,omitempty"`
	RemovedOfferID int64    `json:"removedOfferId,omitempty"`
	OfferID        int64    `json:"offerId,omitempty"`
}

type Counts struct {
	Total    int `json:"total"`
	Created  int `json:"created"`
	NotFound int `json:"notFound"`
	Failed   int `json:"failed"`
	Planned  int `json:"planned"`
	Patched  int `json:"patched"`
}

func (c *Counts) add(r RowResult) {
	c.Total++
	switch {
	case r.State == StateCreated:
		c.Created++
	case r.State == StateNotFound:
		c.NotFound++
	case r.State == StatePlanned:
		c.Planned++
	case r.State.Failed():
		c.Failed++
	}
}

type Summary struct {
	RunID   string  `json:"runId"`
	Variant Variant `json:"variant"`
	DryRun  bool    `json:"dryRun"`
	Counts
	NotPatched []string    `json:"notPatched,omitempty"`
	Results    []RowResult `json:"results"`
}

func (s *Summary) record(r RowResult) {
	s.Results = append(s.Results, r)
	s.Counts.add(r)
}

// RunStatus maps the summary onto the journal's run status.
func (s *Summary) RunStatus() string {
	return models.RunStatusFor(s.Total, s.Failed)
}

// RowParseError reports a ledger cell that could not be turned into a
// request field.
type RowParseError struct {
	Field string
	Value string
	Err   error
}

var errMissingValue = errors.New("value is empty")

func (e *RowParseError) Error() string {
	if errors.Is(e.Err, errMissingValue) {
		return fmt.Sprintf("missing %s", e.Field)
	}
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *RowParseError) Unwrap() error {
	return e.Err
}

// Job is one unit of work for the service: a sync run or an export.
type Job struct {
	RunID         string  `json:"run_id"`
	Variant       Variant `json:"variant"`
	DryRun        bool    `json:"dry_run"`
	TriggeredBy   string  `json:"triggered_by"`
	CorrelationID string  `json:"correlation_id,omitempty"`
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.RunID) == "" {
		return errors.New("run id is required")
	}
	if _, err := ParseVariant(string(j.Variant)); err != nil {
		return err
	}
	return nil
}

type JobResult struct {
	RunID   string  `json:"runId"`
	Variant Variant `json:"variant"`
	Queued  bool    `json:"queued"`
	// Skipped is set when the run id had already finished.
	Skipped bool          `json:"skipped,omitempty"`
	Summary *Summary      `json:"summary,omitempty"`
	Export  *ExportResult `json:"export,omitempty"`
}

// RunInfo describes a run when it is opened in the journal.
type RunInfo struct {
	RunID         string
	Variant       Variant
	SheetID       string
	SheetName     string
	DryRun        bool
	TriggeredBy   string
	CorrelationID string
	StartedAt     time.Time
}
