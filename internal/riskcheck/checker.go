// Package riskcheck answers the public "is this site risky" question.
package riskcheck

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("riskcheck.checker")

// EndpointLookup identifies the public lookup in outcome reports.
const EndpointLookup = "riskcheck"

// LookupPath is where the public lookup is served.
const LookupPath = "/api/riskcheck"

// Response messages.
const (
	MessageMissingInput = "Please provide the site address (url) to check."
	MessageRisky        = "The site was found in risky lists. Please be careful."
	MessageNotRisky     = "The site was not found in risky lists."
)

// ValidationError reports unusable input. It is the only lookup error a
// caller can see.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// Response is the lookup result returned to clients.
type Response struct {
	IsRisky       bool     `json:"isRisky"`
	Message       string   `json:"message"`
	CheckedDomain *string  `json:"checkedDomain"`
	FoundInFiles  []string `json:"foundInFiles"`
}

// Lookuper finds the lists containing a normalized host.
type Lookuper interface {
	Lookup(ctx context.Context, host string) []string
}

// OutcomeRecorder receives one report per lookup. Implementations must not
// block.
type OutcomeRecorder interface {
	RecordOutcome(endpointID string, elapsed time.Duration, success bool)
}

type nopOutcomes struct{}

func (nopOutcomes) RecordOutcome(string, time.Duration, bool) {}

// Checker validates input, normalizes it to a host and looks it up.
type Checker struct {
	lists    Lookuper
	outcomes OutcomeRecorder
	logger   *slog.Logger
}

// NewChecker creates a Checker. A nil recorder discards outcomes.
func NewChecker(lists Lookuper, outcomes OutcomeRecorder, logger *slog.Logger) *Checker {
	if outcomes == nil {
		outcomes = nopOutcomes{}
	}
	return &Checker{lists: lists, outcomes: outcomes, logger: logger}
}

// Check looks up input. Blank input returns a *ValidationError together
// with the response to send; every other input yields a nil error.
func (c *Checker) Check(ctx context.Context, input string) (Response, error) {
	start := time.Now()

	if strings.TrimSpace(input) == "" {
		c.report(start, false)
		return Response{
			Message:      MessageMissingInput,
			FoundInFiles: []string{},
		}, &ValidationError{Field: "url", Reason: "must not be blank"}
	}

	host := NormalizeHost(input)

	ctx, span := tracer.Start(ctx, "riskcheck.check")
	found := c.lists.Lookup(ctx, host)
	span.SetAttributes(
		attribute.String("riskcheck.host", host),
		attribute.Int("riskcheck.matches", len(found)),
	)
	span.End()

	resp := Response{
		IsRisky:       len(found) > 0,
		Message:       MessageNotRisky,
		CheckedDomain: &host,
		FoundInFiles:  found,
	}
	if resp.IsRisky {
		resp.Message = MessageRisky
		c.logger.Info("risky host matched", "host", host, "lists", found)
	}

	c.report(start, true)
	return resp, nil
}

func (c *Checker) report(start time.Time, success bool) {
	c.outcomes.RecordOutcome(EndpointLookup, time.Since(start), success)
}

// NormalizeHost reduces a URL or bare host to a lowercase host without a
// leading "www.". Input that does not parse as a URL is trimmed and
// lowercased instead.
func NormalizeHost(input string) string {
	input = strings.TrimSpace(input)

	raw := input
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		raw = "http://" + raw
	}

	host := ""
	if u, err := url.Parse(raw); err == nil {
		host = strings.ToLower(u.Hostname())
	}
	if host == "" {
		host = strings.ToLower(input)
	}
	return strings.TrimPrefix(host, "www.")
}
