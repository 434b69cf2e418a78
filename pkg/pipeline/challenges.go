package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"steward/pkg/models"
)

var (
	ErrChallengeArgument = errors.New("pipeline: challenge requires an argument")
	ErrChallengeStatus   = errors.New("pipeline: response status must be accepted, rejected, or withdrawn")
)

// ChallengeSubmission is a request to contest a recorded decision.
type ChallengeSubmission struct {
	DecisionID  string `json:"decision_id"`
	SubmittedBy string `json:"submitted_by"`
	Argument    string `json:"argument"`
	Evidence    string `json:"evidence,omitempty"`
}

// ChallengeResponse finalizes a pending challenge.
type ChallengeResponse struct {
	Status      models.ChallengeStatus `json:"status"`
	RespondedBy string                 `json:"responded_by"`
	Response    string                 `json:"response,omitempty"`
}

// SubmitChallenge records a pending challenge against an existing decision.
func (p *Pipeline) SubmitChallenge(ctx context.Context, sub ChallengeSubmission) (models.Challenge, error) {
	if strings.TrimSpace(sub.Argument) == "" {
		return models.Challenge{}, ErrChallengeArgument
	}
	decision, err := p.Ledger.GetDecision(ctx, sub.DecisionID)
	if err != nil {
		return models.Challenge{}, err
	}
	ch := models.Challenge{
		ID:          uuid.NewString(),
		DecisionID:  decision.ID,
		Project:     decision.Project,
		SubmittedBy: sub.SubmittedBy,
		SubmittedAt: timeNow().UTC(),
		Status:      models.ChallengePending,
		Argument:    sub.Argument,
		Evidence:    sub.Evidence,
	}
	if err := p.Ledger.AppendChallenge(ctx, ch); err != nil {
		return models.Challenge{}, err
	}
	if p.Metrics != nil {
		p.Metrics.IncChallenge(string(models.ChallengePending))
	}
	p.auditEvent(ctx, ch.Project, models.AuditChallengeSubmitted, ch.ID,
		fmt.Sprintf("decision #%d challenged by %s", decision.DecisionNumber, sub.SubmittedBy), "")
	return ch, nil
}

// RespondChallenge moves a pending challenge to a terminal status. Accepting
// a challenge reverses the decision; when the project's overturned-challenge
// threshold is set, oversight contacts are notified exactly once, on the
// accepting transition. The ledger's terminal-state check makes a second
// acceptance impossible, so the notification cannot repeat.
func (p *Pipeline) RespondChallenge(ctx context.Context, id string, resp ChallengeResponse) (models.Challenge, error) {
	switch resp.Status {
	case models.ChallengeAccepted, models.ChallengeRejected, models.ChallengeWithdrawn:
	default:
		return models.Challenge{}, ErrChallengeStatus
	}
	outcome := challengeOutcome(resp.Status)
	ch, err := p.Ledger.RespondChallenge(ctx, id, resp.Status, resp.RespondedBy, resp.Response, outcome)
	if err != nil {
		return models.Challenge{}, err
	}
	if p.Metrics != nil {
		p.Metrics.IncChallenge(string(resp.Status))
	}
	p.auditEvent(ctx, ch.Project, models.AuditChallengeResponded, ch.ID,
		fmt.Sprintf("%s by %s: %s", resp.Status, resp.RespondedBy, outcome), "")

	if resp.Status == models.ChallengeAccepted {
		if err := p.Ledger.MarkDecisionStatus(ctx, ch.DecisionID, models.DecisionReversed); err != nil {
			p.logf("pipeline: reverse decision %s: %v", ch.DecisionID, err)
		}
		if err := p.recordReversal(ctx, ch, resp); err != nil {
			p.logf("pipeline: reversal decision for %s: %v", ch.DecisionID, err)
		}
		p.notifyOverturn(ctx, ch)
	}
	return ch, nil
}

// recordReversal appends the reversing decision for an accepted challenge.
// The original is never edited; the new entry carries its own number and
// points back through relatedDecisions.
func (p *Pipeline) recordReversal(ctx context.Context, ch models.Challenge, resp ChallengeResponse) error {
	original, err := p.Ledger.GetDecision(ctx, ch.DecisionID)
	if err != nil {
		return err
	}
	n, err := p.Ledger.NextDecisionNumber(ctx, ch.Project)
	if err != nil {
		return err
	}
	d := models.Decision{
		ID:               uuid.NewString(),
		DecisionNumber:   n,
		Title:            fmt.Sprintf("Reverse decision #%d: %s", original.DecisionNumber, original.Title),
		Date:             timeNow().UTC(),
		Status:           models.DecisionReversed,
		DecisionMaker:    resp.RespondedBy,
		Project:          ch.Project,
		Decision:         fmt.Sprintf("Decision #%d is reversed on challenge %s.", original.DecisionNumber, ch.ID),
		Reasoning:        ch.Argument,
		RelatedDecisions: []string{original.ID},
		Tags:             []string{"challenge-reversal"},
	}
	if err := p.Ledger.AppendDecision(ctx, d); err != nil {
		return err
	}
	p.auditEvent(ctx, ch.Project, models.AuditDecisionLogged, d.Title,
		fmt.Sprintf("decision #%d reverses #%d", n, original.DecisionNumber), "")
	return nil
}

func (p *Pipeline) notifyOverturn(ctx context.Context, ch models.Challenge) {
	if p.Notifier == nil {
		return
	}
	cfg, err := p.Config.Get(ctx, ch.Project)
	if err != nil || !cfg.Thresholds.OverturnedChallenges {
		return
	}
	subject := fmt.Sprintf("Decision overturned in %s", ch.Project)
	body := fmt.Sprintf("Challenge %s against decision %s was accepted by %s: %s",
		ch.ID, ch.DecisionID, ch.RespondedBy, ch.Response)
	for _, contact := range cfg.OversightContacts {
		nctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := p.Notifier.Notify(nctx, contact, subject, body)
		cancel()
		if err != nil {
			if p.Metrics != nil {
				p.Metrics.IncNotifyFailures()
			}
			p.auditEvent(ctx, ch.Project, models.AuditNotifyFailed, contact, err.Error(), "")
		}
	}
}

func challengeOutcome(status models.ChallengeStatus) string {
	switch status {
	case models.ChallengeAccepted:
		return "decision reversed"
	case models.ChallengeRejected:
		return "decision upheld"
	default:
		return "withdrawn by submitter"
	}
}
