// Package decision asks the oracle which option is correct, at most once per
// rate-limit interval, and reads the chosen option number from its reply.
package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"quiz-autotap/src/apperrors"
	"quiz-autotap/src/logutil"
	"quiz-autotap/src/question"
)

// Oracle answers a prompt with free text.
type Oracle interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, prompt string) (string, error)

func (f OracleFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Gate decides whether an oracle call may start now. Implementations record
// the call time when they allow it.
type Gate interface {
	ReserveOracleCall(now time.Time) bool
}

// Unlimited lets every call through. Used for single-shot CLI solves.
type Unlimited struct{}

func (Unlimited) ReserveOracleCall(time.Time) bool { return true }

// Decision is the option chosen for a question, together with the raw reply.
type Decision struct {
	Question question.Question
	Option   int
	Reply    string
}

// Engine turns questions into option numbers through an Oracle. It holds no
// per-session state; the caller passes the Gate for each decision.
type Engine struct {
	oracle      Oracle
	optionCount int
	timeout     time.Duration
	logger      logrus.FieldLogger
}

// New builds an engine choosing among optionCount options (1..9). A zero
// timeout leaves oracle calls bounded only by ctx.
func New(oracle Oracle, optionCount int, timeout time.Duration, logger logrus.FieldLogger) *Engine {
	if optionCount < 1 || optionCount > 9 {
		optionCount = 4
	}
	if logger == nil {
		logger = logutil.Discard()
	}
	return &Engine{oracle: oracle, optionCount: optionCount, timeout: timeout, logger: logger}
}

// OptionCount is the number of answer rows the engine chooses among.
func (e *Engine) OptionCount() int { return e.optionCount }

// Decide runs one oracle round trip for q if gate allows it.
func (e *Engine) Decide(ctx context.Context, q question.Question, gate Gate, now time.Time) (Decision, error) {
	if !gate.ReserveOracleCall(now) {
		return Decision{}, apperrors.NewRateLimited("oracle called too recently")
	}

	prompt := FormatPrompt(q, e.optionCount)
	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := e.oracle.Complete(callCtx, prompt)
	if err != nil {
		return Decision{}, apperrors.NewOracleFailure("oracle call failed", err)
	}
	e.logger.WithFields(logrus.Fields{
		"duration": time.Since(start).Round(time.Millisecond),
		"reply":    logutil.SanitizeForLogging(reply),
	}).Debug("oracle replied")

	option, ok := ParseReply(reply, e.optionCount)
	if !ok {
		return Decision{}, apperrors.NewNoConfidentAnswer(fmt.Sprintf("no option 1-%d in reply", e.optionCount))
	}
	if option > len(q.Options) {
		// The row is still tapped; the on-screen layout may hold more rows than were read.
		e.logger.WithFields(logrus.Fields{
			"option":  option,
			"options": len(q.Options),
		}).Warn("oracle chose an option that was not recognized on screen")
	}
	return Decision{Question: q, Option: option, Reply: reply}, nil
}

// FormatPrompt renders the oracle prompt for q. Output is a single line.
func FormatPrompt(q question.Question, optionCount int) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(q.Text)
	b.WriteString(" Answers:")
	for i, opt := range q.Options {
		fmt.Fprintf(&b, " %d) %s", i+1, opt)
	}
	fmt.Fprintf(&b, " Choose the correct answer! Reply with only the number of the correct option (1-%d).", optionCount)
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(b.String())
}

// ParseReply returns the first digit in 1..optionCount found anywhere in reply.
func ParseReply(reply string, optionCount int) (int, bool) {
	for _, r := range reply {
		if r >= '1' && r <= '0'+rune(optionCount) {
			return int(r - '0'), true
		}
	}
	return 0, false
}
