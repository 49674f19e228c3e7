// Package dispatch turns matched alerts into push notifications.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/greencoder/noaa-alerts-pushover/internal/alert"
	"github.com/greencoder/noaa-alerts-pushover/internal/ingest"
	"github.com/greencoder/noaa-alerts-pushover/internal/notify/pushover"
)

var tracer = otel.Tracer("github.com/greencoder/noaa-alerts-pushover/internal/dispatch")

// Sender delivers one notification. A Sender that cannot deliver at all
// returns pushover.ErrDisabled, which is counted as suppressed.
type Sender interface {
	Send(ctx context.Context, msg pushover.Message) error
}

// Config holds the dispatcher settings.
type Config struct {
	// IgnoredEvents are event types never sent. Matching is case-insensitive.
	IgnoredEvents []string
	// DetailURLTemplate, when set, replaces the feed link with a URL built
	// by substituting the alert identity for %s. Other % sequences are kept
	// as written.
	DetailURLTemplate string
}

// Dispatcher formats matched alerts and hands them to a Sender.
type Dispatcher struct {
	sender      Sender
	ignored     map[string]struct{}
	urlTemplate string
	logger      log.Logger
}

// New creates a Dispatcher.
func New(sender Sender, c Config, logger log.Logger) *Dispatcher {
	if sender == nil {
		panic(xerrors.New("dispatch: sender is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	ignored := make(map[string]struct{}, len(c.IgnoredEvents))
	for _, ev := range c.IgnoredEvents {
		if ev = strings.TrimSpace(ev); ev != "" {
			ignored[strings.ToLower(ev)] = struct{}{}
		}
	}
	return &Dispatcher{
		sender:      sender,
		ignored:     ignored,
		urlTemplate: c.DetailURLTemplate,
		logger:      logger,
	}
}

// Ignored reports whether alerts of eventType are suppressed.
func (d *Dispatcher) Ignored(eventType string) bool {
	_, ok := d.ignored[strings.ToLower(strings.TrimSpace(eventType))]
	return ok
}

// Dispatch sends one notification per record. Send failures are logged and
// counted; they never stop the remaining records.
func (d *Dispatcher) Dispatch(ctx context.Context, records []*alert.Record, opts ingest.DispatchOptions) ingest.DispatchSummary {
	ctx, span := tracer.Start(ctx, "dispatch.Dispatch")
	defer span.End()

	var sum ingest.DispatchSummary
	for _, r := range records {
		if r.MatchedRegion == nil {
			sum.Failed++
			d.logger.Warn(ctx, "alert has no matched region", "identity", r.Identity)
			continue
		}
		rl := d.logger.With("identity", r.Identity, "event", r.EventType, "region", r.MatchedRegion.Name)

		if d.Ignored(r.EventType) {
			sum.Ignored++
			rl.Info(ctx, "ignoring alert event type")
			continue
		}

		msg := d.Message(r)
		rl.Info(ctx, "alert to send", "title", msg.Title, "body", msg.Body)

		if opts.DryRun {
			sum.Suppressed++
			rl.Info(ctx, "dispatch suppressed")
			continue
		}

		err := d.sender.Send(ctx, msg)
		if errors.Is(err, pushover.ErrDisabled) {
			sum.Suppressed++
			rl.Warn(ctx, "dispatch suppressed, notifier has no credentials")
			continue
		}
		if err != nil {
			sum.Failed++
			rl.Error(ctx, err, "push notification failed")
			continue
		}
		sum.Sent++
	}

	span.SetAttributes(
		attribute.Int("wxalerts.dispatch.sent", sum.Sent),
		attribute.Int("wxalerts.dispatch.ignored", sum.Ignored),
		attribute.Int("wxalerts.dispatch.suppressed", sum.Suppressed),
		attribute.Int("wxalerts.dispatch.failed", sum.Failed),
	)
	if sum.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d notifications failed", sum.Failed))
	}
	return sum
}

// Message builds the notification for a matched record.
func (d *Dispatcher) Message(r *alert.Record) pushover.Message {
	return pushover.Message{
		Title: Title(r),
		Body:  Body(r),
		URL:   d.URL(r),
	}
}

// URL is the link attached to the notification.
func (d *Dispatcher) URL(r *alert.Record) string {
	if d.urlTemplate != "" {
		return strings.Replace(d.urlTemplate, "%s", r.Identity, 1)
	}
	return r.SourceURL
}

// Title is "<region> (<state>) Weather Alert".
func Title(r *alert.Record) string {
	if r.MatchedRegion == nil {
		return "Weather Alert"
	}
	return fmt.Sprintf("%s (%s) Weather Alert", r.MatchedRegion.Name, r.MatchedRegion.State)
}

// Body is the alert title with detail keywords inserted before "issued",
// followed by the short identity in parentheses.
func Body(r *alert.Record) string {
	text := r.Title
	if len(r.DetailKeywords) > 0 {
		text = strings.ReplaceAll(text, "issued", "("+strings.Join(r.DetailKeywords, ", ")+") issued")
	}
	return fmt.Sprintf("%s (%s)", text, r.ShortID())
}
