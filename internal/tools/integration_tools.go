package tools

import (
	"context"
	"encoding/json"
	"time"
)

// The integration clients are external collaborators. The registry only needs
// their call surface; concrete implementations (Google, IMAP, GitHub,
// WordPress, a search API) are wired in by the caller.

type CalendarEvent struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`
}

type CalendarClient interface {
	ListEvents(ctx context.Context, days int) ([]CalendarEvent, error)
	CreateEvent(ctx context.Context, title string, startAt time.Time, endAt time.Time) (CalendarEvent, error)
}

type EmailSummary struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Snippet string `json:"snippet"`
}

type EmailClient interface {
	ListRecent(ctx context.Context, limit int) ([]EmailSummary, error)
	Send(ctx context.Context, to string, subject string, body string) error
}

type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	URL    string `json:"url"`
}

type IssueClient interface {
	ListIssues(ctx context.Context, repo string) ([]Issue, error)
	CreateIssue(ctx context.Context, repo string, title string, body string) (Issue, error)
}

type WebClient interface {
	Search(ctx context.Context, query string, limit int) (string, error)
	Fetch(ctx context.Context, url string) (string, error)
}

type BlogClient interface {
	Publish(ctx context.Context, title string, content string, draft bool) (string, error)
}

// Integrations bundles the optional collaborator clients. Nil fields simply
// leave the corresponding tools unregistered.
type Integrations struct {
	Calendar CalendarClient
	Email    EmailClient
	Issues   IssueClient
	Web      WebClient
	Blog     BlogClient
}

func RegisterIntegrationTools(r *Registry, in Integrations) {
	if in.Calendar != nil {
		registerCalendarTools(r, in.Calendar)
	}
	if in.Email != nil {
		registerEmailTools(r, in.Email)
	}
	if in.Issues != nil {
		registerIssueTools(r, in.Issues)
	}
	if in.Web != nil {
		registerWebTools(r, in.Web)
	}
	if in.Blog != nil {
		registerBlogTools(r, in.Blog)
	}
}

func registerCalendarTools(r *Registry, client CalendarClient) {
	r.MustRegister(Definition{
		Name:        "calendar_list_events",
		Description: "List upcoming calendar events.",
		Permission:  PermCalendarRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"days": {"type": "integer", "description": "How many days ahead to look (default 7)"}
			}
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			events, err := client.ListEvents(ctx, intArg(args, "days", 7))
			if err != nil {
				return "", NewToolError(ErrorCodeUpstream, err.Error())
			}
			if len(events) == 0 {
				return "No upcoming events", nil
			}
			return marshalResult(events)
		},
	})

	r.MustRegister(Definition{
		Name:        "calendar_create_event",
		Description: "Create a calendar event. Times are RFC 3339.",
		Permission:  PermCalendarWrite,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string"},
				"start_at": {"type": "string", "description": "RFC 3339 start time"},
				"end_at": {"type": "string", "description": "RFC 3339 end time"}
			},
			"required": ["title", "start_at", "end_at"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			startAt, err := time.Parse(time.RFC3339, stringArg(args, "start_at"))
			if err != nil {
				return "", NewToolError(ErrorCodeInvalidArgs, "invalid start_at: "+err.Error())
			}
			endAt, err := time.Parse(time.RFC3339, stringArg(args, "end_at"))
			if err != nil {
				return "", NewToolError(ErrorCodeInvalidArgs, "invalid end_at: "+err.Error())
			}
			ev, err := client.CreateEvent(ctx, stringArg(args, "title"), startAt, endAt)
			if err != nil {
				return "", NewToolError(ErrorCodeUpstream, err.Error())
			}
			return marshalResult(ev)
		},
	})
}

func registerEmailTools(r *Registry, client EmailClient) {
	r.MustRegister(Definition{
		Name:        "email_list",
		Description: "List recent emails.",
		Permission:  PermEmailRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "description": "Max messages to return (default 10)"}
			}
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			msgs, err := client.ListRecent(ctx, intArg(args, "limit", 10))
			if err != nil {
				return "", NewToolError(ErrorCodeUpstream, err.Error())
			}
			if len(msgs) == 0 {
				return "No recent emails", nil
			}
			return marshalResult(msgs)
		},
	})

	r.MustRegister(Definition{
		Name:        "email_send",
		Description: "Send an email.",
		Permission:  PermEmailSend,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"to": {"type": "string"},
				"subject": {"type": "string"},
				"body": {"type": "string"}
			},
			"required": ["to", "subject", "body"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if err := client.Send(ctx, stringArg(args, "to"), stringArg(args, "subject"), stringArg(args, "body")); err != nil {
				return "", NewToolError(ErrorCodeUpstream, err.Error())
			}
			return "Email sent to " + stringArg(args, "to"), nil
		},
	})
}

func registerIssueTools(r *Registry, client IssueClient) {
	r.MustRegister(Definition{
		Name:        "issues_list",
		Description: "List open issues in a repository.",
		Permission:  PermIssuesRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"repo": {"type": "string", "description": "owner/name repository reference"}
			},
			"required": ["repo"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			issues, err := client.ListIssues(ctx, stringArg(args, "repo"))
			if err != nil {
				return "", NewToolError(ErrorCodeUpstream, err.Error())
			}
			if len(issues) == 0 {
				return "No open issues", nil
			}
			return marshalResult(issues)
		},
	})

	r.MustRegister(Definition{
		Name:        "issues_create",
		Description: "Create an issue in a repository.",
		Permission:  PermIssuesWrite,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"repo": {"type": "string"},
				"title": {"type": "string"},
				"body": {"type": "string"}
			},
			"required": ["repo", "title"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			issue, err := client.CreateIssue(ctx, stringArg(args, "repo"), stringArg(args, "title"), stringArg(args, "body"))
			if err != nil {
				return "", NewToolError(ErrorCodeUpstream, err.Error())
			}
			return marshalResult(issue)
		},
	})
}

func registerWebTools(r *Registry, client WebClient) {
	r.MustRegister(Definition{
		Name:        "web_search",
		Description: "Search the web for current information.",
		Permission:  PermWebRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"limit": {"type": "integer", "description": "Max results (default 5)"}
			},
			"required": ["query"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			out, err := client.Search(ctx, stringArg(args, "query"), intArg(args, "limit", 5))
			if err != nil {
				return "", NewToolError(ErrorCodeUpstream, err.Error())
			}
			return out, nil
		},
	})

	r.MustRegister(Definition{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable content.",
		Permission:  PermWebRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string"}
			},
			"required": ["url"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			out, err := client.Fetch(ctx, stringArg(args, "url"))
			if err != nil {
				return "", NewToolError(ErrorCodeUpstream, err.Error())
			}
			return out, nil
		},
	})
}

func registerBlogTools(r *Registry, client BlogClient) {
	r.MustRegister(Definition{
		Name:        "blog_publish",
		Description: "Publish or draft a blog post.",
		Permission:  PermBlogWrite,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string"},
				"content": {"type": "string"},
				"draft": {"type": "boolean", "description": "Save as draft instead of publishing"}
			},
			"required": ["title", "content"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			draft, _ := args["draft"].(bool)
			url, err := client.Publish(ctx, stringArg(args, "title"), stringArg(args, "content"), draft)
			if err != nil {
				return "", NewToolError(ErrorCodeUpstream, err.Error())
			}
			if url == "" {
				return "Post saved", nil
			}
			return "Published: " + url, nil
		},
	})
}

func marshalResult(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
