package agent

import (
	"fmt"
	"strings"

	"github.com/foundryhq/foundry-agent/internal/store"
)

// buildSystemPrompt assembles the per-request system prompt. recallContext is
// best-effort background from the knowledge store and may be empty.
func buildSystemPrompt(project *store.Project, recallContext string) string {
	var b strings.Builder

	b.WriteString("You are the AI assistant for a project collaboration workspace. ")
	b.WriteString("You help the team plan, organize, and ship their project.\n\n")

	fmt.Fprintf(&b, "Current project: %s (slug: %s)\n", project.Name, project.Slug)
	if project.Description != "" {
		fmt.Fprintf(&b, "Project description: %s\n", project.Description)
	}
	fmt.Fprintf(&b, "Knowledge domain: foundry:%s\n\n", project.Slug)

	b.WriteString("Use the available tools to look up project data (ideas, canvases, ")
	b.WriteString("scaffold jobs, deploy configuration) instead of guessing. ")
	b.WriteString("When a tool returns an error payload, explain the problem to the ")
	b.WriteString("user rather than retrying blindly. ")
	b.WriteString("Store durable facts the team shares with you using store_knowledge_note.\n")

	if recallContext != "" {
		b.WriteString("\nBackground from the team's knowledge store:\n")
		b.WriteString(recallContext)
		b.WriteString("\n")
	}

	return b.String()
}

// foldPageContext prefixes the user's message with a hint about where in the
// UI it was sent from, so the model can ground references like "this canvas".
func foldPageContext(message, page string) string {
	if page == "" {
		return message
	}
	return fmt.Sprintf("[User is on the '%s' page]\n\n%s", page, message)
}
