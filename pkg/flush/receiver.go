package flush

import (
	"context"
	"encoding/json"

	"cache-flush/pkg/cache"
	"cache-flush/pkg/config"
	"cache-flush/pkg/logging"
	"cache-flush/pkg/messagebus"
	"cache-flush/pkg/metrics"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
)

// Notification types delivered by push transports.
const (
	NotificationTypeNotification             = "Notification"
	NotificationTypeSubscriptionConfirmation = "SubscriptionConfirmation"
)

// Notification is a push delivery from the message bus.
type Notification struct {
	Type      string `json:"Type"`
	TopicArn  string `json:"TopicArn"`
	Message   string `json:"Message"`
	Token     string `json:"Token,omitempty"`
	MessageID string `json:"MessageId,omitempty"`
	// Signature is the messagebus.Sign value of Message, or of Token for
	// subscription confirmations.
	Signature string `json:"Signature,omitempty"`
}

// Confirmer answers subscription confirmation requests.
type Confirmer interface {
	ConfirmSubscription(ctx context.Context, topic, token string) error
}

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	Config    config.Reader
	Local     *LocalExecutor
	Confirmer Confirmer
	// Seen drops redelivered envelopes. Optional.
	Seen    *SeenFilter
	Metrics metrics.MetricsCollector
}

// Receiver replays envelopes published by other nodes through the local executor.
type Receiver struct {
	cfg       config.Reader
	local     *LocalExecutor
	confirmer Confirmer
	seen      *SeenFilter
	secret    string
	metrics   metrics.MetricsCollector
	logger    *logging.Logger
}

// NewReceiver creates a receiver.
func NewReceiver(opts ReceiverOptions) *Receiver {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.New(nil)
	}
	return &Receiver{
		cfg:       cfg,
		local:     opts.Local,
		confirmer: opts.Confirmer,
		seen:      opts.Seen,
		secret:    cfg.GetString("cluster.messagebus.secret"),
		metrics:   metrics.OrNoOp(opts.Metrics),
		logger:    BusLogger(cfg).Named("receiver"),
	}
}

// ParseNotification decodes a push delivery body.
func ParseNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return n, errors.Wrap(err, errors.CodeInvalidInput, "invalid notification")
	}
	return n, nil
}

// HandleNotification processes a push delivery. Deliveries for another
// topic are rejected, and so are unsigned or tampered ones when
// cluster.messagebus.secret is set.
func (r *Receiver) HandleNotification(ctx context.Context, n Notification) error {
	r.logger.Debug("received message", zap.String("type", n.Type), zap.String("message_id", n.MessageID))

	topic := r.cfg.GetString("cluster.messagebus.topic")
	if topic == "" || topic != n.TopicArn {
		return errors.WithContext(
			errors.Newf(errors.CodeUnauthorized, "Not my Topic. Request came from %s.", n.TopicArn),
			"topic", n.TopicArn)
	}

	switch n.Type {
	case NotificationTypeSubscriptionConfirmation:
		if err := r.verify(n.Token, n.Signature, n.MessageID); err != nil {
			return err
		}
		if r.confirmer == nil {
			return errors.New(errors.CodeInvalidConfig, "subscription confirmation is not supported by this transport")
		}
		err := r.confirmer.ConfirmSubscription(ctx, topic, n.Token)
		r.logger.Info("subscription confirmed", zap.String("topic", topic), zap.Bool("ok", err == nil))
		return err
	case NotificationTypeNotification:
		if err := r.verify(n.Message, n.Signature, n.MessageID); err != nil {
			return err
		}
		return r.HandleEnvelope(ctx, []byte(n.Message))
	default:
		r.logger.Debug("ignoring message", zap.String("type", n.Type))
		return nil
	}
}

// HandleDelivery adapts the receiver to a pull subscriber.
func (r *Receiver) HandleDelivery(ctx context.Context, d messagebus.Delivery) error {
	if err := r.verify(d.Message, d.Signature, d.ID); err != nil {
		return err
	}
	return r.HandleEnvelope(ctx, []byte(d.Message))
}

func (r *Receiver) verify(message, signature, id string) error {
	if err := messagebus.Verify(r.secret, message, signature); err != nil {
		r.logger.Warn("rejecting message", zap.String("message_id", id), zap.Error(err))
		return errors.WithContext(err, "message_id", id)
	}
	return nil
}

// HandleEnvelope executes every action of an envelope, each followed by the
// local delayed operations. Processing stops at the first unknown action.
func (r *Receiver) HandleEnvelope(ctx context.Context, data []byte) error {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return err
	}
	if r.local == nil {
		return errors.New(errors.CodeInvalidConfig, "receiver has no local executor")
	}

	if env.ID != "" && r.seen != nil && r.seen.Seen(env.ID) {
		r.logger.Debug("dropping redelivered envelope", zap.String("id", env.ID))
		return nil
	}

	logger := r.logger.With(zap.String("id", env.ID), zap.String("hostname", env.Hostname))
	logger.Debug("message originated from hostname", zap.Int("actions", len(env.Actions)))

	ctx = cache.WithVersionMemo(ctx)
	hooks := r.local.Hooks()
	if err := hooks.DoAction(ctx, HookMessageReceived, Args{}); err != nil {
		logger.Warn("message received hook failed", zap.Error(err))
	}

	for _, m := range env.Actions {
		logger.Debug("executing action", zap.String("action", m.Action))
		ok, err := r.execute(ctx, m)
		if err != nil {
			logger.Error("failed to process message", zap.String("action", m.Action), zap.Error(err))
			return err
		}
		r.metrics.RecordFlush(m.Action, "received", ok)

		if _, err := r.local.ExecuteDelayedOperations(ctx); err != nil {
			logger.Warn("delayed operations failed", zap.String("action", m.Action), zap.Error(err))
		}
	}

	if err := hooks.DoAction(ctx, HookMessageProcessed, Args{}); err != nil {
		logger.Warn("message processed hook failed", zap.Error(err))
	}
	logger.Debug("actions executed")
	return nil
}

func (r *Receiver) execute(ctx context.Context, m Message) (bool, error) {
	l := r.local
	switch m.Action {
	case ActionDbcacheFlush:
		return l.DbcacheFlush(ctx, nil), nil
	case ActionObjectcacheFlush:
		return l.ObjectcacheFlush(ctx, nil), nil
	case ActionFragmentcacheFlush:
		return l.FragmentcacheFlush(ctx, nil), nil
	case ActionFragmentcacheFlushGroup:
		return l.FragmentcacheFlushGroup(ctx, m.Group), nil
	case ActionMinifycacheFlush:
		return l.MinifycacheFlush(ctx, nil), nil
	case ActionBrowsercacheFlush:
		return l.BrowsercacheFlush(ctx, nil), nil
	case ActionCdnPurgeAll:
		return l.CdnPurgeAll(ctx, m.Extras), nil
	case ActionCdnPurgeFiles:
		return l.CdnPurgeFiles(ctx, m.PurgeFiles), nil
	case ActionPgcacheCleanup:
		return l.PgcacheCleanup(ctx), nil
	case ActionOpcacheFlush:
		return l.OpcacheFlush(ctx), nil
	case ActionFlushAll:
		return l.FlushAll(ctx, m.Extras), nil
	case ActionFlushGroup:
		return l.FlushGroup(ctx, m.Group, m.Extras), nil
	case ActionFlushPost:
		return l.FlushPost(ctx, m.PostID, nil), nil
	case ActionFlushPosts:
		return l.FlushPosts(ctx, nil), nil
	case ActionFlushURL:
		return l.FlushURL(ctx, m.URL, nil), nil
	case ActionPrimePost:
		return l.PrimePost(ctx, m.PostID), nil
	default:
		return false, errors.WithContext(
			errors.Newf(errors.CodeInvalidInput, "Unknown action %s.", m.Action),
			"action", m.Action)
	}
}
