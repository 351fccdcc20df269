// Пакет session — конечный автомат сессии запроса пользователя.
//
// Жизненный цикл одной сессии:
//
//	awaiting_reference → metadata_ready → acquiring → delivered | failed | cancelled
//
// Из любого состояния допустим сброс в awaiting_reference (явная отмена
// или завершение запроса). Терминальные состояния фиксируются в истории,
// после чего сессия сбрасывается.
//
// Потокобезопасен через sync.RWMutex.
package session

import (
	"fmt"
	"sync"
	"time"
)

// State — состояние сессии.
type State string

const (
	// StateAwaitingReference — ожидание ссылки от пользователя
	StateAwaitingReference State = "awaiting_reference"
	// StateMetadataReady — метаданные получены, ожидается подтверждение
	StateMetadataReady State = "metadata_ready"
	// StateAcquiring — выполняется доставка (архив или загрузка)
	StateAcquiring State = "acquiring"
	// StateDelivered — артефакт доставлен
	StateDelivered State = "delivered"
	// StateFailed — запрос завершился ошибкой
	StateFailed State = "failed"
	// StateCancelled — запрос отменён пользователем
	StateCancelled State = "cancelled"
)

// IsTerminal возвращает true для delivered, failed, cancelled.
func (s State) IsTerminal() bool {
	switch s {
	case StateDelivered, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// TransitionRecord — запись о переходе между состояниями.
type TransitionRecord struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// maxHistory — число последних переходов, хранимых в истории.
const maxHistory = 64

// StateMachine — конечный автомат одной сессии.
type StateMachine struct {
	mu      sync.RWMutex
	current State
	history []TransitionRecord
}

// validTransitions — матрица допустимых переходов.
// Сброс в awaiting_reference допустим из любого состояния и сюда не входит.
var validTransitions = map[State]map[State]bool{
	StateAwaitingReference: {StateMetadataReady: true},
	StateMetadataReady:     {StateMetadataReady: true, StateAcquiring: true},
	StateAcquiring:         {StateDelivered: true, StateFailed: true, StateCancelled: true},
	StateDelivered:         {},
	StateFailed:            {},
	StateCancelled:         {},
}

// NewStateMachine создаёт автомат в состоянии awaiting_reference.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: StateAwaitingReference,
		history: make([]TransitionRecord, 0),
	}
}

// Current возвращает текущее состояние.
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// CanTransitionTo проверяет, допустим ли переход в указанное состояние.
func (sm *StateMachine) CanTransitionTo(target State) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return canTransition(sm.current, target)
}

// TransitionTo выполняет переход в указанное состояние.
//
// Ошибки:
//   - INVALID_STATE — неизвестное состояние
//   - INVALID_TRANSITION — переход недопустим
func (sm *StateMachine) TransitionTo(target State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !isValidState(target) {
		return &TransitionError{
			Code:    "INVALID_STATE",
			Message: fmt.Sprintf("недопустимое состояние: %q", target),
		}
	}
	if !canTransition(sm.current, target) {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", sm.current, target),
		}
	}

	sm.record(target)
	return nil
}

// Reset сбрасывает сессию в awaiting_reference из любого состояния.
// Повторный сброс из awaiting_reference в историю не пишется.
func (sm *StateMachine) Reset() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current == StateAwaitingReference {
		return
	}
	sm.record(StateAwaitingReference)
}

// History возвращает последние maxHistory переходов (копия).
func (sm *StateMachine) History() []TransitionRecord {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]TransitionRecord, len(sm.history))
	copy(result, sm.history)
	return result
}

// record фиксирует переход. Вызывается под write lock.
func (sm *StateMachine) record(target State) {
	sm.history = append(sm.history, TransitionRecord{
		From:      sm.current,
		To:        target,
		Timestamp: time.Now().UTC(),
	})
	if len(sm.history) > maxHistory {
		sm.history = sm.history[len(sm.history)-maxHistory:]
	}
	sm.current = target
}

// TransitionError — ошибка перехода между состояниями.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_STATE, INVALID_TRANSITION)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func canTransition(from, to State) bool {
	transitions, ok := validTransitions[from]
	if !ok {
		return false
	}
	return transitions[to]
}

func isValidState(s State) bool {
	_, ok := validTransitions[s]
	return ok
}
