package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"issuebridge/pkg/backend"
	"issuebridge/pkg/command"
	"issuebridge/pkg/executor"
	"issuebridge/pkg/logx"
	"issuebridge/pkg/session"
	"issuebridge/pkg/tracker"
)

// Markers prefixing posted responses.
const (
	successMarker = "✅"
	failureMarker = "❌"
)

// sessionArgThreshold: commands carrying more arguments than this run inside
// a session even when the action itself is not interactive.
const sessionArgThreshold = 2

// interactiveActions always get a session: they imply follow-up commands on
// the same conversation thread.
var interactiveActions = map[string]struct{}{
	"create-file": {},
	"edit-file":   {},
	"implement":   {},
	"refactor":    {},
	"debug":       {},
	"review":      {},
}

// Result summarizes what the processor did with one event.
type Result struct {
	Processed  bool `json:"processed"`
	References int  `json:"references"`
	Failures   int  `json:"failures"`
}

// Processor is the root of the pipeline: it turns webhook events into
// executed commands and posted responses. It is also the error boundary;
// Process never lets a pipeline failure escape to the transport layer.
type Processor struct {
	detector *command.Detector
	sessions *session.Manager
	exec     *executor.Executor
	tracker  tracker.Client
	bus      *Bus
	logger   *logx.Logger
}

// NewProcessor wires the pipeline. All collaborators are required except bus,
// which may be nil when no observers exist.
func NewProcessor(detector *command.Detector, sessions *session.Manager, exec *executor.Executor, trk tracker.Client, bus *Bus) *Processor {
	return &Processor{
		detector: detector,
		sessions: sessions,
		exec:     exec,
		tracker:  trk,
		bus:      bus,
		logger:   logx.NewLogger("processor"),
	}
}

// Process handles one normalized event. It always returns a Result; failures
// inside the pipeline are logged and reported back as error comments, never
// returned, so the webhook transport can acknowledge unconditionally.
func (p *Processor) Process(ctx context.Context, event Event) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic processing %s event: %v", event.Type, r)
			result.Failures++
			p.postError(ctx, event, fmt.Sprintf("internal error: %v", r))
		}
	}()

	p.publishActivity(event)

	if event.Type != TypeComment {
		p.logger.Debug("acknowledged %s/%s event for issue %s", event.Type, event.Action, event.Data.IssueID)
		return Result{}
	}

	body := event.Data.Body
	if strings.TrimSpace(body) == "" {
		return Result{}
	}

	refs := p.detector.Detect(body)
	if len(refs) == 0 {
		return Result{}
	}

	result.Processed = true
	result.References = len(refs)
	for _, ref := range refs {
		if err := p.handleReference(ctx, event, ref); err != nil {
			result.Failures++
			p.logger.Error("reference %q failed: %v", ref.RawText, err)
			p.postError(ctx, event, err.Error())
		}
	}
	return result
}

// handleReference runs one detected reference to completion and posts the
// outcome. The returned error covers pipeline failures; a command that
// executed and failed is still posted normally and returns nil.
func (p *Processor) handleReference(ctx context.Context, event Event, ref command.Reference) error {
	cmd := command.Command{Action: command.DefaultAction}
	if ref.Command != nil {
		cmd = *ref.Command
	}

	var (
		res       backend.Result
		sessionID string
	)
	if id, ok := p.sessions.FindByIssue(event.Data.IssueID); ok {
		// The issue already has a live conversation; every follow-up
		// command continues it.
		sessionID = id
		var err error
		res, err = p.sessions.ExecuteCommand(ctx, id, cmd)
		if err != nil {
			return fmt.Errorf("session %s execution failed: %w", id, err)
		}
	} else if p.needsSession(cmd) {
		state := p.sessions.Create(session.Context{
			IssueID:         event.Data.IssueID,
			IssueIdentifier: event.Data.IssueIdentifier,
			CommentID:       event.Data.CommentID,
			Actor:           event.Actor.Name,
			Timestamp:       event.CreatedAt,
			IssueURL:        event.URL,
		}, &cmd)
		sessionID = state.ID
		if !p.sessions.Activate(sessionID) {
			return fmt.Errorf("failed to activate session %s", sessionID)
		}
		var err error
		res, err = p.sessions.ExecuteCommand(ctx, sessionID, cmd)
		if err != nil {
			return fmt.Errorf("session %s execution failed: %w", sessionID, err)
		}
	} else {
		res = p.exec.Execute(ctx, backend.Request{
			Action:    cmd.Action,
			Arguments: cmd.Arguments,
			Options:   cmd.Options,
			Context: map[string]any{
				"issue_id":   event.Data.IssueID,
				"issue":      event.Data.IssueIdentifier,
				"actor":      event.Actor.Name,
				"comment_id": event.Data.CommentID,
			},
			Source: fmt.Sprintf("comment %s by %s", event.Data.CommentID, event.Actor.Name),
		})
	}

	reply := formatResponse(cmd, res, sessionID)
	if _, err := p.tracker.AddComment(ctx, event.Data.IssueID, reply); err != nil {
		// The triggering webhook is acknowledged regardless; only logs
		// record a lost reply.
		p.logger.Error("failed to post response for issue %s: %v", event.Data.IssueID, err)
	}
	return nil
}

// needsSession decides whether a command gets a stateful conversation thread.
func (p *Processor) needsSession(cmd command.Command) bool {
	if _, ok := interactiveActions[cmd.Action]; ok {
		return true
	}
	if _, ok := cmd.Options["session"]; ok {
		return true
	}
	return len(cmd.Arguments) > sessionArgThreshold
}

func (p *Processor) postError(ctx context.Context, event Event, msg string) {
	if event.Data.IssueID == "" {
		return
	}
	body := fmt.Sprintf("%s **processing error**\n\n%s", failureMarker, msg)
	if _, err := p.tracker.AddComment(ctx, event.Data.IssueID, body); err != nil {
		p.logger.Error("failed to post error comment for issue %s: %v", event.Data.IssueID, err)
	}
}

func (p *Processor) publishActivity(event Event) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(Activity{
		Type:       event.Type,
		Action:     event.Action,
		UserID:     event.Actor.ID,
		UserName:   event.Actor.Name,
		IssueID:    event.Data.IssueID,
		IssueTitle: event.Data.IssueTitle,
		ProjectID:  event.Data.ProjectID,
		Timestamp:  event.CreatedAt,
	})
}

/// formatResponse renders one executed command as a comment body: status
// marker, echoed command, response text, optional structured output, optional
// error line, and session continuation instructions when applicable.
func formatResponse(cmd command.Command, res backend.Result, sessionID string) string {
	var b strings.Builder

	marker := successMarker
	if !res.Success {
		marker = failureMarker
	}
	fmt.Fprintf(&b, "%s **%s**", marker, cmd.Action)
	if len(cmd.Arguments) > 0 {
		fmt.Fprintf(&b, " %s", strings.Join(cmd.Arguments, " "))
	}
	b.WriteString("\n")

	if res.Response != "" {
		b.WriteString("\n")
		b.WriteString(res.Response)
		b.WriteString("\n")
	}

	if len(res.Data) > 0 {
		if data, err := json.MarshalIndent(res.Data, "", "  "); err == nil {
			fmt.Fprintf(&b, "\n```json\n%s\n```\n", data)
		}
	}

	if res.Error != "" {
		fmt.Fprintf(&b, "\nError: %s\n", res.Error)
	}

	if sessionID != "" {
		fmt.Fprintf(&b, "\n_Session `%s` is active. Mention me again on this issue to run follow-up commands in the same session._\n", sessionID)
	}

	return b.String()
}
