// Package dutycycle persists the duty-cycle "uncertain" state file used to
// fail closed for rate-regulated radios: a missing file starts out with zero
// debt, while a corrupt or stale file makes Open refuse to hand back usable
// debt accounting until an operator resets it. Persistence follows the same write-tmp/fsync/rename-over
// pattern the teacher's bbolt store relies on the filesystem for, made
// explicit here since a bolt database would be overkill for one small JSON
// file.
package dutycycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	stateVersion = 1

	// MaxDebtMS bounds how much duty-cycle debt a file may claim before it
	// is considered corrupt rather than merely a busy radio.
	MaxDebtMS = int64(24 * time.Hour / time.Millisecond)

	// ClockSkewThreshold and StaleThreshold bound how far last_updated may
	// drift from "now" before the file is untrustworthy.
	ClockSkewThreshold = 5 * time.Minute
	StaleThreshold     = 30 * 24 * time.Hour

	failClosedSuffix = "fail-closed until operator resets the state file"
)

// State is the persisted shape of the duty-cycle file.
type State struct {
	Version            int    `json:"version"`
	DutyCycleDebtMS     int64  `json:"duty_cycle_debt_ms"`
	LastUpdatedUnixMS   int64  `json:"last_updated_unix_ms"`
	DebtElapsedMS       int64  `json:"debt_elapsed_ms,omitempty"`
	Uncertain           bool   `json:"uncertain,omitempty"`
	UncertaintyReason   string `json:"uncertainty_reason,omitempty"`
}

// Clock abstracts time.Now so tests can control "now" deterministically.
type Clock func() time.Time

// Store manages a single duty-cycle state file on disk.
type Store struct {
	path string
	now  Clock
}

func New(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// WithClock overrides the clock; intended for tests.
func (s *Store) WithClock(c Clock) *Store {
	s.now = c
	return s
}

// Open loads the state file, normalizing accumulated debt against elapsed
// time, or initializes a fresh zero-debt file if none exists. It fails
// closed (returning an error and leaving uncertain=true on disk) for any
// file that looks corrupt, stale, or already marked uncertain.
func (s *Store) Open() (*State, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("creating duty-cycle state directory: %w", err)
	}

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		st := &State{Version: stateVersion, LastUpdatedUnixMS: s.nowMS()}

		if err := s.persist(st); err != nil {
			return nil, fmt.Errorf("initializing duty-cycle state: %w", err)
		}

		return st, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading duty-cycle state file: %w", err)
	}

	var st State

	if err := json.Unmarshal(raw, &st); err != nil {
		return s.markUncertain("state file is not valid JSON: " + failClosedSuffix)
	}

	if st.Version != stateVersion {
		return s.markUncertain(fmt.Sprintf("unsupported state version %d: %s", st.Version, failClosedSuffix))
	}

	if st.Uncertain {
		reason := st.UncertaintyReason
		if reason == "" {
			reason = "state previously marked uncertain"
		}

		return nil, fmt.Errorf("%s: %s", reason, failClosedSuffix)
	}

	now := s.nowMS()

	if st.LastUpdatedUnixMS == 0 {
		return s.markUncertain("last_updated_unix_ms is zero: " + failClosedSuffix)
	}

	if st.LastUpdatedUnixMS > now+ClockSkewThreshold.Milliseconds() {
		return s.markUncertain("state timestamp is in the future beyond clock-skew threshold: " + failClosedSuffix)
	}

	if now-st.LastUpdatedUnixMS > StaleThreshold.Milliseconds() {
		return s.markUncertain("state file is older than the stale threshold: " + failClosedSuffix)
	}

	if st.DutyCycleDebtMS > MaxDebtMS {
		return s.markUncertain("duty cycle debt exceeds maximum allowed: " + failClosedSuffix)
	}

	elapsed := now - st.LastUpdatedUnixMS

	st.DutyCycleDebtMS -= elapsed
	if st.DutyCycleDebtMS < 0 {
		st.DutyCycleDebtMS = 0
	}

	st.DebtElapsedMS = elapsed
	st.LastUpdatedUnixMS = now

	if err := s.persist(&st); err != nil {
		return nil, fmt.Errorf("persisting normalized duty-cycle state: %w", err)
	}

	return &st, nil
}

func (s *Store) markUncertain(reason string) (*State, error) {
	st := &State{
		Version:           stateVersion,
		LastUpdatedUnixMS: s.nowMS(),
		Uncertain:         true,
		UncertaintyReason: reason,
	}

	if err := s.persist(st); err != nil {
		return nil, fmt.Errorf("%s (also failed to persist uncertain marker: %v)", reason, err)
	}

	return nil, fmt.Errorf(reason)
}

// AddDebt records additional duty-cycle debt (e.g. after a transmission) and
// persists the updated state atomically.
func (s *Store) AddDebt(st *State, ms int64) error {
	st.DutyCycleDebtMS += ms
	st.LastUpdatedUnixMS = s.nowMS()

	return s.persist(st)
}

// Reset clears the uncertain flag, intended to be invoked only by an
// operator after they have investigated the underlying condition.
func (s *Store) Reset() error {
	st := &State{Version: stateVersion, LastUpdatedUnixMS: s.nowMS()}
	return s.persist(st)
}

func (s *Store) nowMS() int64 {
	return s.now().UnixMilli()
}

// persist writes state atomically: serialize, write to a temp file, fsync
// it, rename over the target, then fsync the containing directory so the
// rename itself is durable. Directory-fsync failures reporting that the
// operation is unsupported or not permitted are ignored and not logged; any
// other failure aborts the write.
func (s *Store) persist(st *State) error {
	body, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling duty-cycle state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp := s.path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}

	if _, err := f.Write(body); err != nil {
		f.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsyncing temp state file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("renaming temp state file into place: %w", err)
	}

	dirHandle, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening state directory for fsync: %w", err)
	}
	defer dirHandle.Close()

	if err := dirHandle.Sync(); err != nil {
		if os.IsPermission(err) || isUnsupported(err) {
			return nil
		}

		return fmt.Errorf("fsyncing state directory: %w", err)
	}

	return nil
}

func isUnsupported(err error) bool {
	return err != nil && (err.Error() == "sync unsupported" || os.IsPermission(err))
}
