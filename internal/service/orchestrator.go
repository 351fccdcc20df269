// orchestrator.go — Orchestrator: конвейер запроса пользователя
// ссылка → метаданные → архив или загрузка → доставка.
//
// Для каждого пользователя хранится одна сессия (session.StateMachine).
// Пользователи независимы; ConfirmDownload блокируется до терминального
// состояния, после которого сессия сбрасывается с сохранением LastOutcome.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/track-module/internal/domain/model"
	"github.com/bigkaa/goartstore/track-module/internal/domain/session"
	"github.com/bigkaa/goartstore/track-module/internal/sink"
)

// recordTimeout — ограничение на учёт доставки после ответа пользователю.
const recordTimeout = 5 * time.Second

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tm_requests_total",
	Help: "Количество завершённых операций по коду результата.",
}, []string{"outcome"})

// Коды результата операции.
const (
	CodeMetadataReady        = "METADATA_READY"
	CodeDelivered            = "DELIVERED"
	CodeCancelled            = "CANCELLED"
	CodeInputRejected        = "INPUT_REJECTED"
	CodeResolutionFailed     = "RESOLUTION_FAILED"
	CodeQuotaExceeded        = "QUOTA_EXCEEDED"
	CodeAcquisitionNoMatch   = "ACQUISITION_NO_MATCH"
	CodeAcquisitionToolError = "ACQUISITION_TOOL_ERROR"
	CodeDeliveryFailed       = "DELIVERY_FAILED"
	CodeStaleSession         = "STALE_SESSION"
	CodeSessionBusy          = "SESSION_BUSY"
	CodeAccepted             = "ACCEPTED"
)

// MetadataResolver — получение метаданных по ссылке.
type MetadataResolver interface {
	Resolve(ctx context.Context, ref model.MediaReference) (*model.MediaMetadata, error)
}

// ArchiveCache — архив трек → handle.
type ArchiveCache interface {
	Lookup(ctx context.Context, trackID string) (*model.ArchiveEntry, error)
	Publish(ctx context.Context, trackID, handle string) (*model.ArchiveEntry, error)
}

// QuotaGate — проверка и учёт квоты.
type QuotaGate interface {
	EnsureUser(ctx context.Context, userID int64) error
	Check(ctx context.Context, userID int64) (QuotaDecision, error)
	Record(ctx context.Context, userID int64) error
}

// Acquirer — загрузка трека в scratch workspace.
type Acquirer interface {
	Acquire(ctx context.Context, meta *model.MediaMetadata) (*Acquisition, error)
	Dispose(workspace string)
}

// DeliverySink — хранилище артефактов и доставка пользователю.
type DeliverySink interface {
	Archive(ctx context.Context, a model.Artifact) (string, error)
	Deliver(ctx context.Context, userID int64, d model.Delivery) (*model.Receipt, error)
}

// Outcome — единственный результат операции для пользователя.
type Outcome struct {
	Code     string               `json:"code"`
	State    session.State        `json:"state"`
	Metadata *model.MediaMetadata `json:"metadata,omitempty"`
	Receipt  *model.Receipt       `json:"receipt,omitempty"`
	// VIPUpsell — предложить VIP (исчерпана квота)
	VIPUpsell bool             `json:"vip_upsell,omitempty"`
	VIP       *model.VIPStatus `json:"vip,omitempty"`
	Message   string           `json:"message,omitempty"`
	Err       error            `json:"-"`
}

// SessionView — снимок сессии пользователя.
type SessionView struct {
	UserID      int64                      `json:"user_id"`
	State       session.State              `json:"state"`
	RequestID   string                     `json:"request_id,omitempty"`
	Metadata    *model.MediaMetadata       `json:"metadata,omitempty"`
	Progress    string                     `json:"progress,omitempty"`
	LastOutcome *Outcome                   `json:"last_outcome,omitempty"`
	History     []session.TransitionRecord `json:"history,omitempty"`
}

// userSession — сессия одного пользователя. Поля защищены Orchestrator.mu.
type userSession struct {
	sm          *session.StateMachine
	metadata    *model.MediaMetadata
	requestID   string
	cancel      context.CancelFunc
	progress    string
	lastOutcome *Outcome
}

// Orchestrator — управляющий конвейер запросов.
type Orchestrator struct {
	resolver MetadataResolver
	archive  ArchiveCache
	quota    QuotaGate
	acquirer Acquirer
	sink     DeliverySink
	reporter *ProgressReporter
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[int64]*userSession
}

// NewOrchestrator создаёт Orchestrator.
func NewOrchestrator(
	resolver MetadataResolver,
	archive ArchiveCache,
	quota QuotaGate,
	acquirer Acquirer,
	deliverySink DeliverySink,
	reporter *ProgressReporter,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		resolver: resolver,
		archive:  archive,
		quota:    quota,
		acquirer: acquirer,
		sink:     deliverySink,
		reporter: reporter,
		logger:   logger.With(slog.String("component", "orchestrator")),
		sessions: make(map[int64]*userSession),
	}
}

// SubmitReference принимает ссылку и получает метаданные трека.
func (o *Orchestrator) SubmitReference(ctx context.Context, userID int64, text string) Outcome {
	log := o.logger.With(slog.Int64("user_id", userID))

	if err := o.quota.EnsureUser(ctx, userID); err != nil {
		log.Warn("Не удалось зарегистрировать пользователя", slog.String("error", err.Error()))
	}

	o.mu.Lock()
	s := o.sessionLocked(userID)
	if s.sm.Current() == session.StateAcquiring {
		o.mu.Unlock()
		return o.finish(Outcome{Code: CodeSessionBusy, State: session.StateAcquiring, Err: ErrSessionBusy})
	}
	o.mu.Unlock()

	ref, err := model.ParseReference(text)
	if err != nil {
		return o.reject(userID, fmt.Errorf("%w: %v", ErrInputRejected, err), "ссылка не распознана")
	}
	if !ref.IsTrack() {
		return o.reject(userID, fmt.Errorf("%w: тип %s не поддерживается", ErrInputRejected, ref.Kind),
			"поддерживаются только ссылки на треки")
	}

	meta, err := o.resolver.Resolve(ctx, ref)
	if err != nil {
		log.Warn("Метаданные недоступны",
			slog.String("reference", ref.String()),
			slog.String("error", err.Error()),
		)
		o.mu.Lock()
		s := o.sessionLocked(userID)
		out := Outcome{Code: CodeResolutionFailed, Err: fmt.Errorf("%w: %v", ErrResolutionFailed, err)}
		if s.sm.Current() != session.StateAcquiring {
			s.sm.Reset()
			s.metadata = nil
		}
		out.State = s.sm.Current()
		o.mu.Unlock()
		return o.finish(out)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	s = o.sessionLocked(userID)
	if err := s.sm.TransitionTo(session.StateMetadataReady); err != nil {
		// Пока шло разрешение ссылки, сессия ушла в загрузку
		return o.finish(Outcome{Code: CodeSessionBusy, State: s.sm.Current(), Err: ErrSessionBusy})
	}
	s.metadata = meta
	log.Info("Метаданные получены",
		slog.String("track_id", meta.ID),
		slog.String("title", meta.Title),
	)
	return o.finish(Outcome{Code: CodeMetadataReady, State: session.StateMetadataReady, Metadata: meta})
}

// ConfirmDownload запускает доставку трека из сессии и ждёт её завершения.
// Пустой trackID подтверждает текущие метаданные сессии.
func (o *Orchestrator) ConfirmDownload(ctx context.Context, userID int64, trackID string) Outcome {
	run, err := o.StartDownload(ctx, userID, trackID)
	if err != nil {
		o.mu.Lock()
		state := o.sessionLocked(userID).sm.Current()
		o.mu.Unlock()
		return o.finish(Outcome{Code: CodeStaleSession, State: state, Err: err})
	}
	return run()
}

// StartDownload синхронно переводит сессию в acquiring и возвращает
// функцию, выполняющую доставку до терминального состояния.
// Вызывающий обязан вызвать её ровно один раз.
// Повторное подтверждение, пока доставка идёт, возвращает ErrStaleSession.
func (o *Orchestrator) StartDownload(ctx context.Context, userID int64, trackID string) (func() Outcome, error) {
	reqCtx, meta, requestID, err := o.beginAcquiring(ctx, userID, trackID)
	if err != nil {
		return nil, err
	}

	log := o.logger.With(
		slog.Int64("user_id", userID),
		slog.String("track_id", meta.ID),
		slog.String("request_id", requestID),
	)
	return func() Outcome {
		out := o.deliver(reqCtx, userID, requestID, meta, log)
		return o.complete(userID, requestID, out)
	}, nil
}

// Cancel отменяет текущий запрос пользователя. Безопасен в любом состоянии.
func (o *Orchestrator) Cancel(userID int64) Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.sessionLocked(userID)
	if s.sm.Current() == session.StateAcquiring && s.cancel != nil {
		s.cancel()
		o.logger.Info("Запрос отменён пользователем",
			slog.Int64("user_id", userID),
			slog.String("request_id", s.requestID),
		)
		return o.finish(Outcome{Code: CodeCancelled, State: session.StateAcquiring})
	}

	s.sm.Reset()
	s.metadata = nil
	return o.finish(Outcome{Code: CodeCancelled, State: session.StateAwaitingReference})
}

// Session возвращает снимок сессии пользователя.
func (o *Orchestrator) Session(userID int64) SessionView {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.sessionLocked(userID)
	view := SessionView{
		UserID:      userID,
		State:       s.sm.Current(),
		RequestID:   s.requestID,
		Metadata:    s.metadata,
		LastOutcome: s.lastOutcome,
		History:     s.sm.History(),
	}
	if view.State == session.StateAcquiring {
		view.Progress = s.progress
	}
	return view
}

// beginAcquiring переводит сессию в acquiring и создаёт контекст запроса.
func (o *Orchestrator) beginAcquiring(ctx context.Context, userID int64, trackID string) (context.Context, *model.MediaMetadata, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.sessionLocked(userID)
	if err := checkConfirmable(s, trackID); err != nil {
		return nil, nil, "", err
	}
	if err := s.sm.TransitionTo(session.StateAcquiring); err != nil {
		return nil, nil, "", fmt.Errorf("%w: %v", ErrStaleSession, err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.requestID = uuid.NewString()
	s.progress = ""
	return reqCtx, s.metadata, s.requestID, nil
}

func checkConfirmable(s *userSession, trackID string) error {
	if s.sm.Current() != session.StateMetadataReady || s.metadata == nil {
		return fmt.Errorf("%w: состояние %s", ErrStaleSession, s.sm.Current())
	}
	if trackID != "" && trackID != s.metadata.ID {
		return fmt.Errorf("%w: трек %s не совпадает с %s", ErrStaleSession, trackID, s.metadata.ID)
	}
	return nil
}

// deliver выполняет алгоритм доставки для сессии в состоянии acquiring.
func (o *Orchestrator) deliver(ctx context.Context, userID int64, requestID string, meta *model.MediaMetadata, log *slog.Logger) Outcome {
	entry, err := o.archive.Lookup(ctx, meta.ID)
	if err != nil {
		log.Warn("Архив недоступен, выполняется загрузка", slog.String("error", err.Error()))
		entry = nil
	}

	decision, err := o.quota.Check(ctx, userID)
	if err != nil {
		log.Warn("Квота недоступна, доставка отклонена", slog.String("error", err.Error()))
	}
	if err != nil || !decision.Eligible {
		vip := decision.VIP
		return Outcome{
			Code:      CodeQuotaExceeded,
			State:     session.StateFailed,
			Metadata:  meta,
			VIPUpsell: true,
			VIP:       &vip,
			Err:       ErrQuotaExceeded,
		}
	}

	if ctx.Err() != nil {
		return cancelledOutcome(meta, ctx.Err())
	}

	if entry != nil {
		receipt, err := o.sink.Deliver(ctx, userID, model.Delivery{Handle: entry.RemoteHandle, Metadata: meta})
		switch {
		case err == nil:
			receipt.FromArchive = true
			log.Info("Трек доставлен из архива", slog.String("handle", entry.RemoteHandle))
			o.recordDownload(userID, decision, log)
			return Outcome{Code: CodeDelivered, State: session.StateDelivered, Metadata: meta, Receipt: receipt}
		case ctx.Err() != nil:
			return cancelledOutcome(meta, ctx.Err())
		case errors.Is(err, sink.ErrArtifactNotFound):
			log.Warn("Артефакт из архива отсутствует в хранилище, выполняется загрузка",
				slog.String("handle", entry.RemoteHandle),
			)
		default:
			return failedOutcome(CodeDeliveryFailed, meta, fmt.Errorf("%w: %v", ErrDeliveryFailed, err))
		}
	}

	return o.acquireAndDeliver(ctx, userID, requestID, meta, decision, log)
}

// acquireAndDeliver — ветка промаха архива.
func (o *Orchestrator) acquireAndDeliver(
	ctx context.Context,
	userID int64,
	requestID string,
	meta *model.MediaMetadata,
	decision QuotaDecision,
	log *slog.Logger,
) Outcome {
	task := o.reporter.Start(ctx, &sessionIndicator{o: o, userID: userID, requestID: requestID})
	acq, err := o.acquirer.Acquire(ctx, meta)
	task.Stop()

	if acq != nil {
		defer o.acquirer.Dispose(acq.Workspace)
	}

	if err != nil {
		switch {
		case errors.Is(err, ErrCancelled) || ctx.Err() != nil:
			return cancelledOutcome(meta, err)
		case errors.Is(err, ErrAcquisitionNoMatch):
			return failedOutcome(CodeAcquisitionNoMatch, meta, err)
		default:
			return failedOutcome(CodeAcquisitionToolError, meta, err)
		}
	}

	if ctx.Err() != nil {
		return cancelledOutcome(meta, ctx.Err())
	}

	artifact := model.Artifact{
		TrackID:     meta.ID,
		MediaPath:   acq.MediaPath,
		ArtworkPath: acq.ArtworkPath,
		Metadata:    meta,
	}

	delivery := model.Delivery{Artifact: &artifact, Metadata: meta}
	handle, err := o.sink.Archive(ctx, artifact)
	switch {
	case err != nil:
		log.Warn("Не удалось сохранить артефакт в хранилище", slog.String("error", err.Error()))
	default:
		if _, err := o.archive.Publish(ctx, meta.ID, handle); err != nil {
			log.Warn("Не удалось опубликовать трек в архив", slog.String("error", err.Error()))
		}
		delivery.Handle = handle
	}

	if ctx.Err() != nil {
		return cancelledOutcome(meta, ctx.Err())
	}

	receipt, err := o.sink.Deliver(ctx, userID, delivery)
	if err != nil {
		if ctx.Err() != nil {
			return cancelledOutcome(meta, ctx.Err())
		}
		return failedOutcome(CodeDeliveryFailed, meta, fmt.Errorf("%w: %v", ErrDeliveryFailed, err))
	}

	log.Info("Трек загружен и доставлен", slog.String("handle", receipt.Handle))
	o.recordDownload(userID, decision, log)
	return Outcome{Code: CodeDelivered, State: session.StateDelivered, Metadata: meta, Receipt: receipt}
}

// recordDownload учитывает доставку для не-VIP. Ошибка только логируется.
func (o *Orchestrator) recordDownload(userID int64, decision QuotaDecision, log *slog.Logger) {
	if decision.VIP.IsActive() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := o.quota.Record(ctx, userID); err != nil {
		log.Error("Не удалось учесть доставку", slog.String("error", err.Error()))
	}
}

// complete фиксирует терминальное состояние и сбрасывает сессию.
func (o *Orchestrator) complete(userID int64, requestID string, out Outcome) Outcome {
	out = o.finish(out)

	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.sessionLocked(userID)
	if s.requestID == requestID {
		if err := s.sm.TransitionTo(out.State); err != nil {
			o.logger.Error("Недопустимый переход сессии",
				slog.Int64("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.cancel = nil
		s.requestID = ""
		s.progress = ""
		s.metadata = nil
		s.sm.Reset()
		last := out
		s.lastOutcome = &last
	}
	return out
}

func (o *Orchestrator) reject(userID int64, err error, message string) Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sessionLocked(userID)
	return o.finish(Outcome{Code: CodeInputRejected, State: s.sm.Current(), Message: message, Err: err})
}

// finish заполняет Message из ошибки и считает метрику результата.
func (o *Orchestrator) finish(out Outcome) Outcome {
	if out.Err != nil && out.Message == "" {
		out.Message = out.Err.Error()
	}
	requestsTotal.WithLabelValues(out.Code).Inc()
	return out
}

// sessionLocked возвращает сессию пользователя, создавая её. Вызывается под o.mu.
func (o *Orchestrator) sessionLocked(userID int64) *userSession {
	s, ok := o.sessions[userID]
	if !ok {
		s = &userSession{sm: session.NewStateMachine()}
		o.sessions[userID] = s
	}
	return s
}

// setProgress записывает кадр индикатора в сессию, если запрос ещё актуален.
func (o *Orchestrator) setProgress(userID int64, requestID, frame string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[userID]
	if !ok || s.requestID != requestID || s.sm.Current() != session.StateAcquiring {
		return false
	}
	s.progress = frame
	return true
}

// sessionIndicator — индикатор прогресса в снимке сессии.
type sessionIndicator struct {
	o         *Orchestrator
	userID    int64
	requestID string
}

func (i *sessionIndicator) Update(_ context.Context, frame string) error {
	if !i.o.setProgress(i.userID, i.requestID, frame) {
		return ErrIndicatorGone
	}
	return nil
}

func cancelledOutcome(meta *model.MediaMetadata, cause error) Outcome {
	err := cause
	if !errors.Is(cause, ErrCancelled) {
		err = fmt.Errorf("%w: %v", ErrCancelled, cause)
	}
	return Outcome{Code: CodeCancelled, State: session.StateCancelled, Metadata: meta, Err: err}
}

func failedOutcome(code string, meta *model.MediaMetadata, err error) Outcome {
	return Outcome{Code: code, State: session.StateFailed, Metadata: meta, Err: err}
}
