package eventclass

import (
	"fmt"
	"strings"

	"steward/pkg/models"
)

// AdminKind names a non-routed administrative outcome.
type AdminKind string

const (
	AdminRegister AdminKind = "register"
	AdminSuspend  AdminKind = "suspend"
	AdminSync     AdminKind = "sync"
)

// AdminAction is an outcome applied to the configuration store instead of
// being routed to a session.
type AdminAction struct {
	Kind     AdminKind
	Projects []string
}

// Outcome is the classification result. When ShouldProcess is true, Request
// carries source, project, intent, category, and payload; the pipeline
// assigns id, timestamp, and trust so classification stays deterministic.
type Outcome struct {
	ShouldProcess bool
	Request       models.GovernanceRequest
	SkipReason    string
	Admin         *AdminAction
}

// ConfigDir is the repository directory whose paths trigger a config re-sync
// on push.
const ConfigDir = ".governance/"

var governanceTriggers = []string{"@governance", "/governance", "/review", "/challenge"}

var implementLabels = []string{"ready-for-development", "approved-for-development", "implement", "engineer"}

var evaluateLabels = map[string]struct{}{
	"bug":         {},
	"enhancement": {},
	"feature":     {},
}

const minCommentLength = 20

// Classify maps a webhook event to a governance request or a skip. Pure and
// total: every unmatched action ends in a skip naming the unhandled action.
func Classify(ev Event) Outcome {
	switch ev.Kind {
	case KindPullRequest:
		return classifyPullRequest(ev)
	case KindIssues:
		return classifyIssues(ev)
	case KindIssueComment:
		return classifyIssueComment(ev)
	case KindPullRequestReview:
		return classifyReview(ev)
	case KindCheckRun:
		return classifyCheckRun(ev)
	case KindPing:
		return skip("webhook test ping")
	case KindInstallation:
		return classifyInstallation(ev)
	case KindInstallationRepos:
		return classifyInstallationRepos(ev)
	case KindPush:
		return classifyPush(ev)
	default:
		return skip(fmt.Sprintf("unhandled event type %q", ev.Kind))
	}
}

func classifyPullRequest(ev Event) Outcome {
	if ev.PR == nil {
		return skip("pull_request event without pull request payload")
	}
	pr := ev.PR
	switch ev.Action {
	case "opened", "reopened", "ready_for_review":
		return process(ev, models.IntentReview, fmt.Sprintf("Review pull request #%d: %s", pr.Number, pr.Title))
	case "synchronize":
		return process(ev, models.IntentReview, fmt.Sprintf("Review pull request #%d: %s (new commits)", pr.Number, pr.Title))
	case "closed":
		if pr.Merged {
			return process(ev, models.IntentAcknowledge, fmt.Sprintf("Acknowledge merged pull request #%d: %s", pr.Number, pr.Title))
		}
		return skip(fmt.Sprintf("pull request #%d closed without merge", pr.Number))
	case "edited":
		if ev.Changes.Title || ev.Changes.Body {
			return process(ev, models.IntentReview, fmt.Sprintf("Review pull request #%d: description updated", pr.Number))
		}
		return skip(fmt.Sprintf("minor edit to pull request #%d", pr.Number))
	default:
		return skip(fmt.Sprintf("pull_request action %q not handled", ev.Action))
	}
}

func classifyIssues(ev Event) Outcome {
	if ev.Issue == nil {
		return skip("issues event without issue payload")
	}
	issue := ev.Issue
	switch ev.Action {
	case "opened":
		if role, ok := notifyTarget(issue.Labels); ok {
			return processNotify(ev, role, issue)
		}
		return process(ev, models.IntentTriage, fmt.Sprintf("Triage new issue #%d: %s", issue.Number, issue.Title))
	case "reopened":
		return process(ev, models.IntentReview, fmt.Sprintf("Review reopened issue #%d: %s", issue.Number, issue.Title))
	case "labeled":
		return classifyIssueLabel(ev, issue)
	case "assigned":
		assignee := ev.Assignee
		if assignee == "" {
			assignee = issue.Assignee
		}
		return process(ev, models.IntentImplement, fmt.Sprintf("Implement issue #%d assigned to %s: %s", issue.Number, assignee, issue.Title))
	default:
		return skip(fmt.Sprintf("issues action %q not handled", ev.Action))
	}
}

func classifyIssueLabel(ev Event, issue *Issue) Outcome {
	label := strings.ToLower(strings.TrimSpace(ev.Label))
	if label == "" {
		return skip(fmt.Sprintf("issues labeled event on #%d without label", issue.Number))
	}
	for _, trigger := range implementLabels {
		if label == trigger || strings.Contains(label, trigger) {
			return process(ev, models.IntentImplement, fmt.Sprintf("Implement issue #%d: %s", issue.Number, issue.Title))
		}
	}
	if _, ok := evaluateLabels[label]; ok {
		return process(ev, models.IntentEvaluate, fmt.Sprintf("Evaluate issue #%d and assess priority: %s", issue.Number, issue.Title))
	}
	if strings.HasPrefix(label, "notify:") {
		role := strings.TrimSpace(strings.TrimPrefix(label, "notify:"))
		return processNotify(ev, role, issue)
	}
	if strings.Contains(label, "governance") || strings.Contains(label, "escalation") {
		return process(ev, models.IntentGovernance, fmt.Sprintf("Review issue #%d labeled %q: %s", issue.Number, ev.Label, issue.Title))
	}
	return skip(fmt.Sprintf("non-actionable label %q on issue #%d", ev.Label, issue.Number))
}

func classifyIssueComment(ev Event) Outcome {
	// Loop prevention comes before everything, including trigger tokens.
	if ev.Sender.Bot() {
		return skip("bot comment (loop prevention)")
	}
	if ev.Action != "created" {
		return skip(fmt.Sprintf("issue_comment action %q not handled", ev.Action))
	}
	if ev.Comment == nil {
		return skip("issue_comment event without comment payload")
	}
	body := ev.Comment.Body
	number := 0
	if ev.Issue != nil {
		number = ev.Issue.Number
	}
	if hasGovernanceTrigger(body) {
		target := "issue"
		if ev.CommentOnPR {
			target = "pull request"
		}
		return process(ev, models.IntentGovernance, fmt.Sprintf("Review governance comment on %s #%d", target, number))
	}
	if len(body) < minCommentLength {
		return skip("comment too short")
	}
	if ev.CommentOnPR {
		return process(ev, models.IntentReview, fmt.Sprintf("Consider comment on pull request #%d", number))
	}
	return process(ev, models.IntentTriage, fmt.Sprintf("Triage comment on issue #%d", number))
}

func classifyReview(ev Event) Outcome {
	if ev.Sender.Bot() {
		return skip("bot review (loop prevention)")
	}
	if ev.Action != "submitted" {
		return skip(fmt.Sprintf("pull_request_review action %q not handled", ev.Action))
	}
	if ev.Review == nil || ev.PR == nil {
		return skip("pull_request_review event without review payload")
	}
	switch ev.Review.State {
	case "approved":
		return process(ev, models.IntentAcknowledge, fmt.Sprintf("Acknowledge approval on pull request #%d", ev.PR.Number))
	case "changes_requested":
		return process(ev, models.IntentReview, fmt.Sprintf("Note changes requested on pull request #%d", ev.PR.Number))
	case "commented":
		return skip("commented review handled by issue_comment")
	default:
		return skip(fmt.Sprintf("review state %q not handled", ev.Review.State))
	}
}

func classifyCheckRun(ev Event) Outcome {
	if ev.Action != "completed" {
		return skip(fmt.Sprintf("check_run action %q not handled", ev.Action))
	}
	if ev.CheckRun == nil {
		return skip("check_run event without check payload")
	}
	run := ev.CheckRun
	if (run.Conclusion == "failure" || run.Conclusion == "timed_out") && len(run.PullRequests) > 0 {
		return process(ev, models.IntentCIFailure, fmt.Sprintf("Note CI failure for check %q on pull request #%d", run.Name, run.PullRequests[0]))
	}
	return skip(fmt.Sprintf("check_run conclusion %q not actionable", run.Conclusion))
}

func classifyInstallation(ev Event) Outcome {
	switch ev.Action {
	case "created":
		out := skip("installation created, projects registered")
		out.Admin = &AdminAction{Kind: AdminRegister, Projects: ev.Repositories}
		return out
	case "deleted":
		out := skip("installation deleted, projects suspended")
		out.Admin = &AdminAction{Kind: AdminSuspend, Projects: ev.Repositories}
		return out
	default:
		return skip(fmt.Sprintf("installation action %q not handled", ev.Action))
	}
}

func classifyInstallationRepos(ev Event) Outcome {
	switch ev.Action {
	case "added":
		out := skip("installation repositories added, projects synced")
		out.Admin = &AdminAction{Kind: AdminSync, Projects: ev.Repositories}
		return out
	case "removed":
		out := skip("installation repositories removed, projects suspended")
		out.Admin = &AdminAction{Kind: AdminSuspend, Projects: ev.Repositories}
		return out
	default:
		return skip(fmt.Sprintf("installation_repositories action %q not handled", ev.Action))
	}
}

func classifyPush(ev Event) Outcome {
	for _, path := range ev.PushPaths {
		if strings.HasPrefix(path, ConfigDir) {
			out := skip("push handled as configuration re-sync")
			out.Admin = &AdminAction{Kind: AdminSync, Projects: []string{ev.Project}}
			return out
		}
	}
	return skip("push outside governance configuration")
}

func hasGovernanceTrigger(body string) bool {
	lower := strings.ToLower(body)
	for _, trigger := range governanceTriggers {
		if strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}

func notifyTarget(labels []string) (string, bool) {
	for _, label := range labels {
		lower := strings.ToLower(strings.TrimSpace(label))
		if strings.HasPrefix(lower, "notify:") {
			role := strings.TrimSpace(strings.TrimPrefix(lower, "notify:"))
			if role != "" {
				return role, true
			}
		}
	}
	return "", false
}

func typeLabel(labels []string) string {
	for _, label := range labels {
		lower := strings.ToLower(strings.TrimSpace(label))
		if strings.HasPrefix(lower, "type:") {
			if t := strings.TrimSpace(strings.TrimPrefix(lower, "type:")); t != "" {
				return t
			}
		}
	}
	return "notification"
}

func processNotify(ev Event, role string, issue *Issue) Outcome {
	kind := typeLabel(issue.Labels)
	out := process(ev, models.IntentNotification, fmt.Sprintf("Notify %s of %s for issue #%d: %s", role, kind, issue.Number, issue.Title))
	if out.Request.Source.Metadata == nil {
		out.Request.Source.Metadata = map[string]string{}
	}
	out.Request.Source.Metadata["target_role"] = role
	return out
}

func process(ev Event, category models.IntentCategory, intent string) Outcome {
	return Outcome{
		ShouldProcess: true,
		Request: models.GovernanceRequest{
			Source: models.RequestSource{
				Channel:  "github",
				Identity: ev.Sender.Login,
			},
			Project:  ev.Project,
			Intent:   intent,
			Category: category,
			Payload:  ev.Raw,
		},
	}
}

func skip(reason string) Outcome {
	return Outcome{SkipReason: reason}
}
