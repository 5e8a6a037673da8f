package disbursement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const TypeAdvancePayoutPhase = "disbursement:advance_phase"

type advancePhasePayload struct {
	PayoutID string `json:"payout_id"`
}

// Enqueuer schedules the next phase step for a payout. The asynq client
// backs it in production; tests drive Advance directly.
type Enqueuer interface {
	EnqueueAdvance(ctx context.Context, payoutID string, delay time.Duration) error
}

type asynqEnqueuer struct {
	client *asynq.Client
	logger *zap.Logger
}

func NewEnqueuer(client *asynq.Client, logger *zap.Logger) Enqueuer {
	return &asynqEnqueuer{client: client, logger: logger}
}

func (e *asynqEnqueuer) EnqueueAdvance(ctx context.Context, payoutID string, delay time.Duration) error {
	payload, err := json.Marshal(advancePhasePayload{PayoutID: payoutID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TypeAdvancePayoutPhase, payload)
	info, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue("critical"),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(3),
	)
	if err != nil {
		return err
	}

	e.logger.Debug("scheduled payout phase step",
		zap.String("payout_id", payoutID),
		zap.String("task_id", info.ID),
		zap.Duration("delay", delay),
	)
	return nil
}

// PhaseTaskHandler advances one phase per task and schedules the next step
// until the payout is terminal.
type PhaseTaskHandler struct {
	svc    *Service
	logger *zap.Logger
}

func NewPhaseTaskHandler(svc *Service, logger *zap.Logger) *PhaseTaskHandler {
	return &PhaseTaskHandler{svc: svc, logger: logger}
}

func (h *PhaseTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload advancePhasePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("malformed phase task payload", zap.Error(err))
		return err
	}

	terminal, err := h.svc.Advance(ctx, payload.PayoutID)
	if err != nil {
		h.logger.Error("phase advancement failed",
			zap.String("payout_id", payload.PayoutID), zap.Error(err))
		return err
	}
	if terminal {
		return nil
	}

	if h.svc.enqueuer == nil {
		h.logger.Warn("no enqueuer configured, payout chain stalled",
			zap.String("payout_id", payload.PayoutID))
		return nil
	}
	return h.svc.enqueuer.EnqueueAdvance(ctx, payload.PayoutID, h.svc.phaseDelay)
}

// TaskModule registers the phase advancement handler on the worker mux.
var TaskModule = fx.Module("disbursement.tasks",
	fx.Provide(NewPhaseTaskHandler),
	fx.Invoke(registerTasks),
)

func registerTasks(mux *asynq.ServeMux, handler *PhaseTaskHandler) {
	mux.Handle(TypeAdvancePayoutPhase, handler)
}
