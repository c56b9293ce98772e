// Package scheduler keeps deferred calls and hands them back when they are due.
package scheduler

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-runtime/config"
	"github.com/Klingon-tech/klingnet-runtime/internal/storage"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// Scheduler errors.
var (
	ErrNotFound   = errors.New("task not found")
	ErrNotOwner   = errors.New("task scheduled by another origin")
	ErrInPast     = errors.New("target block already reached")
	ErrTooFar     = errors.New("target block too far ahead")
	ErrAgendaFull = errors.New("agenda full for target block")
)

var (
	prefixTask   = []byte("t/") // t/<id> -> Task JSON
	prefixAgenda = []byte("q/") // q/<when(8)><seq(8)> -> id
	keySeq       = []byte("seq")
	keyHeight    = []byte("height")
)

const taskIDTag = "task:"

// TaskID identifies a scheduled task. Its content is opaque to callers.
type TaskID []byte

func (id TaskID) String() string {
	return hex.EncodeToString(id)
}

// MarshalJSON encodes the id as hex.
func (id TaskID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON decodes a hex id.
func (id *TaskID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid task id: %w", err)
	}
	*id = b
	return nil
}

func newTaskID(seq uint64) TaskID {
	id := make([]byte, 0, len(taskIDTag)+binary.MaxVarintLen64)
	id = append(id, taskIDTag...)
	return binary.AppendUvarint(id, seq)
}

// Call is a deferred contract call.
type Call struct {
	Target       types.Address `json:"target"`
	Value        types.Balance `json:"value"`
	GasLimit     uint64        `json:"gas_limit"`
	StorageLimit uint32        `json:"storage_limit"`
	Input        []byte        `json:"input"`
}

// Task is a scheduled call.
type Task struct {
	ID          TaskID        `json:"id"`
	Origin      types.Address `json:"origin"`
	Call        Call          `json:"call"`
	When        uint64        `json:"when"`
	Seq         uint64        `json:"seq"`
	ReservedFee types.Balance `json:"reserved_fee"` // Held from Origin until dispatch or cancel
}

// Scheduler stores tasks in a storage.DB and returns them in order of target
// height and then submission.
type Scheduler struct {
	mu     sync.Mutex
	db     storage.DB
	rules  config.SchedulerRules
	logger zerolog.Logger
}

// New creates a scheduler over db.
func New(db storage.DB, rules config.SchedulerRules, logger zerolog.Logger) *Scheduler {
	return &Scheduler{db: db, rules: rules, logger: logger}
}

// Height returns the last height passed to Due.
func (s *Scheduler) Height() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUint(keyHeight)
}

// Schedule registers call to run at block when on behalf of origin.
// The target must lie after the current height and within MaxDelay of it.
func (s *Scheduler) Schedule(call Call, when uint64, origin types.Address, reservedFee types.Balance) (TaskID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWhen(when); err != nil {
		return nil, err
	}
	seq, err := s.getUint(keySeq)
	if err != nil {
		return nil, err
	}
	if err := s.putUint(keySeq, seq+1); err != nil {
		return nil, err
	}

	task := &Task{
		ID:          newTaskID(seq),
		Origin:      origin,
		Call:        call,
		When:        when,
		Seq:         seq,
		ReservedFee: reservedFee,
	}
	if err := s.put(task); err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("task", task.ID.String()).
		Str("origin", origin.String()).
		Uint64("when", when).
		Msg("Call scheduled")
	return task.ID, nil
}

// Cancel removes a task scheduled by origin and returns it.
func (s *Scheduler) Cancel(origin types.Address, id TaskID) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.owned(origin, id)
	if err != nil {
		return nil, err
	}
	if err := s.remove(task); err != nil {
		return nil, err
	}
	return task, nil
}

// Reschedule moves a task scheduled by origin to block when.
func (s *Scheduler) Reschedule(origin types.Address, id TaskID, when uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.owned(origin, id)
	if err != nil {
		return err
	}
	if err := s.checkWhen(when); err != nil {
		return err
	}
	if err := s.db.Delete(agendaKey(task.When, task.Seq)); err != nil {
		return fmt.Errorf("agenda delete: %w", err)
	}
	task.When = when
	return s.put(task)
}

// Get returns a scheduled task.
func (s *Scheduler) Get(id TaskID) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

// Due advances the scheduler to height and removes and returns every task
// whose target is at or before it.
func (s *Scheduler) Due(height uint64) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []TaskID
	err := s.db.ForEach(prefixAgenda, func(key, value []byte) error {
		// Key layout: "q/" + when(8) + seq(8).
		if len(key) != len(prefixAgenda)+16 {
			return nil // Malformed key, skip.
		}
		if binary.BigEndian.Uint64(key[len(prefixAgenda):]) > height {
			return errStop
		}
		ids = append(ids, TaskID(value))
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, fmt.Errorf("agenda scan: %w", err)
	}

	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.get(id)
		if err != nil {
			return nil, err
		}
		if err := s.remove(task); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := s.putUint(keyHeight, height); err != nil {
		return nil, err
	}
	return tasks, nil
}

var errStop = errors.New("stop")

// --- internal helpers (caller holds mu) ---

func (s *Scheduler) checkWhen(when uint64) error {
	height, err := s.getUint(keyHeight)
	if err != nil {
		return err
	}
	if when <= height {
		return fmt.Errorf("block %d at height %d: %w", when, height, ErrInPast)
	}
	if s.rules.MaxDelay > 0 && when-height > s.rules.MaxDelay {
		return fmt.Errorf("block %d at height %d: %w", when, height, ErrTooFar)
	}
	n := 0
	err = s.db.ForEach(agendaPrefix(when), func(_, _ []byte) error {
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("agenda scan: %w", err)
	}
	if uint32(n) >= s.rules.MaxScheduledPerBlock {
		return fmt.Errorf("block %d: %w", when, ErrAgendaFull)
	}
	return nil
}

func (s *Scheduler) owned(origin types.Address, id TaskID) (*Task, error) {
	task, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if task.Origin != origin {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotOwner)
	}
	return task, nil
}

func (s *Scheduler) get(id TaskID) (*Task, error) {
	data, err := s.db.Get(taskKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("task get: %w", err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("task unmarshal: %w", err)
	}
	return &task, nil
}

func (s *Scheduler) put(task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("task marshal: %w", err)
	}
	if err := s.db.Put(taskKey(task.ID), data); err != nil {
		return fmt.Errorf("task put: %w", err)
	}
	if err := s.db.Put(agendaKey(task.When, task.Seq), task.ID); err != nil {
		return fmt.Errorf("agenda put: %w", err)
	}
	return nil
}

func (s *Scheduler) remove(task *Task) error {
	if err := s.db.Delete(taskKey(task.ID)); err != nil {
		return fmt.Errorf("task delete: %w", err)
	}
	if err := s.db.Delete(agendaKey(task.When, task.Seq)); err != nil {
		return fmt.Errorf("agenda delete: %w", err)
	}
	return nil
}

func (s *Scheduler) getUint(key []byte) (uint64, error) {
	data, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scheduler get %s: %w", key, err)
	}
	if len(data) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(data), nil
}

func (s *Scheduler) putUint(key []byte, v uint64) error {
	return s.db.Put(key, binary.BigEndian.AppendUint64(nil, v))
}

func taskKey(id TaskID) []byte {
	return append(append([]byte{}, prefixTask...), id...)
}

func agendaPrefix(when uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, prefixAgenda...), when)
}

func agendaKey(when, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(agendaPrefix(when), seq)
}
