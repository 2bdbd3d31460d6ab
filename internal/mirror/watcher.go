package mirror

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"whale-mirror/internal/allocation"
	"whale-mirror/internal/chain"
	"whale-mirror/internal/logging"
	"whale-mirror/internal/sampler"
)

// Tracker reports whether an address is a mirrored whale; *validator.Validator
// satisfies it.
type Tracker interface {
	Tracked(address string) bool
}

// Handler consumes a validated trade signal.
type Handler interface {
	Handle(ctx context.Context, sig allocation.TradeSignal) (Outcome, error)
}

// Watcher follows the chain head on the dedicated watch connection and turns
// tracked-whale router swaps into trade signals.
type Watcher struct {
	reader   chain.Reader
	routers  sampler.RouterSet
	tracker  Tracker
	tokens   *chain.TokenResolver
	handler  Handler
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	confirmations uint64
	next          uint64
}

// NewWatcher builds a watcher. Polling starts at the head observed on the first poll.
func NewWatcher(reader chain.Reader, routers sampler.RouterSet, tracker Tracker, tokens *chain.TokenResolver,
	handler Handler, interval time.Duration, logger zerolog.Logger) *Watcher {
	if interval <= 0 {
		interval = 12 * time.Second
	}
	return &Watcher{
		reader:   reader,
		routers:  routers,
		tracker:  tracker,
		tokens:   tokens,
		handler:  handler,
		interval: interval,
		logger:   logging.Component(logger, "watcher"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithConfirmations holds blocks back until they are n blocks deep.
func (w *Watcher) WithConfirmations(n uint64) *Watcher {
	w.confirmations = n
	return w
}

// StartAt makes the next poll begin at block n instead of the head.
func (w *Watcher) StartAt(n uint64) {
	w.next = n
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.interval).Msg("watcher started")
	for {
		if _, err := w.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn().Err(err).Msg("watch poll failed")
		}
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("watcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll processes every block between the last processed block and the head.
// It returns the number of signals handed to the handler.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	head, err := w.reader.CurrentHeight(ctx)
	if err != nil {
		return 0, err
	}
	if head < w.confirmations {
		return 0, nil
	}
	head -= w.confirmations
	if w.next == 0 {
		w.next = head
	}

	signals := 0
	for ; w.next <= head; w.next++ {
		if err := ctx.Err(); err != nil {
			return signals, err
		}
		block, err := w.reader.GetBlock(ctx, w.next, true)
		if err != nil {
			// retried on the next poll
			return signals, err
		}
		signals += w.processBlock(ctx, block)
	}
	return signals, nil
}

func (w *Watcher) processBlock(ctx context.Context, block *chain.Block) int {
	signals := 0
	for _, tx := range block.Transactions {
		if !w.routers.Contains(tx.To) || !w.tracker.Tracked(tx.From.Hex()) {
			continue
		}
		log := w.logger.With().Str("tx", tx.Hash.Hex()).Uint64("block", block.Number).Logger()

		swap, err := chain.DecodeSwap(tx.Input, tx.Value)
		if err != nil {
			log.Debug().Err(err).Msg("whale router call is not a supported swap")
			continue
		}
		in := w.tokens.Resolve(ctx, swap.TokenIn)
		out := w.tokens.Resolve(ctx, swap.TokenOut)

		at := w.now()
		if block.Time > 0 {
			at = time.Unix(int64(block.Time), 0).UTC()
		}
		sig, err := allocation.NewTradeSignal(tx, swap, in, out, block.Number, at)
		if err != nil {
			log.Warn().Err(err).Msg("invalid trade signal")
			continue
		}
		signals++
		if _, err := w.handler.Handle(ctx, sig); err != nil {
			log.Error().Err(err).Str("whale", sig.Whale).Msg("mirror trade failed")
		}
	}
	return signals
}
