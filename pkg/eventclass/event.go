package eventclass

import "encoding/json"

// Event kinds delivered by the platform webhook transport. Signature
// verification and JSON parsing happen upstream; the classifier only sees
// typed fields.
const (
	KindPullRequest       = "pull_request"
	KindIssues            = "issues"
	KindIssueComment      = "issue_comment"
	KindPullRequestReview = "pull_request_review"
	KindCheckRun          = "check_run"
	KindPing              = "ping"
	KindInstallation      = "installation"
	KindInstallationRepos = "installation_repositories"
	KindPush              = "push"
)

type Sender struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

// Bot reports whether the sender is a platform bot account.
func (s Sender) Bot() bool { return s.Type == "Bot" }

type PullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Merged bool   `json:"merged"`
}

type Issue struct {
	Number   int      `json:"number"`
	Title    string   `json:"title"`
	Labels   []string `json:"labels,omitempty"`
	Assignee string   `json:"assignee,omitempty"`
}

type Comment struct {
	Body string `json:"body"`
}

type Review struct {
	State string `json:"state"`
}

type CheckRun struct {
	Name         string `json:"name"`
	Conclusion   string `json:"conclusion"`
	PullRequests []int  `json:"pull_requests,omitempty"`
}

// Changes flags which fields an edited event touched.
type Changes struct {
	Title bool `json:"title"`
	Body  bool `json:"body"`
}

// Event is one parsed, authenticated webhook delivery.
type Event struct {
	Kind         string          `json:"kind"`
	Action       string          `json:"action"`
	DeliveryID   string          `json:"delivery_id"`
	Project      string          `json:"project"`
	Sender       Sender          `json:"sender"`
	PR           *PullRequest    `json:"pull_request,omitempty"`
	Issue        *Issue          `json:"issue,omitempty"`
	Comment      *Comment        `json:"comment,omitempty"`
	Review       *Review         `json:"review,omitempty"`
	CheckRun     *CheckRun       `json:"check_run,omitempty"`
	Label        string          `json:"label,omitempty"`
	Assignee     string          `json:"assignee,omitempty"`
	Changes      Changes         `json:"changes,omitempty"`
	Repositories []string        `json:"repositories,omitempty"`
	PushPaths    []string        `json:"push_paths,omitempty"`
	CommentOnPR  bool            `json:"comment_on_pr,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}
