package assistant

import (
	"fmt"
	"strings"

	"taskpilot/internal/storage"
)

const persona = `You are TaskPilot, a project management assistant. You help users plan work, break projects into tasks, estimate effort and keep priorities straight. Answer concisely.`

const actionInstructions = `When the user asks you to create a task, reply normally and include exactly one JSON object with these fields:
{"title": string, "description": string, "priority": "LOW" | "MEDIUM" | "HIGH", "status": "TODO" | "IN_PROGRESS" | "REVIEW", "dueDate": "YYYY-MM-DD" or null, "estimatedHours": number or null, "tags": [string]}
Include "projectId" only when the user names a different project or no current project is set, and use an id from the project list. Do not include JSON for anything else.`

// BuildSystemPrompt renders the preamble stored as the first message of a
// new chat. Project and task are optional; absent fields are left out.
// choices lists the projects the user may add tasks to and is rendered only
// when the chat has no project or task anchor.
func BuildSystemPrompt(user storage.User, project *storage.Project, task *storage.Task, choices []storage.Project) string {
	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\n")

	name := user.Email
	if user.Name != nil && strings.TrimSpace(*user.Name) != "" {
		name = strings.TrimSpace(*user.Name)
	}
	fmt.Fprintf(&b, "You are talking to %s (role: %s).", name, user.Role)

	if project != nil {
		b.WriteString("\n\nCurrent project:")
		writeField(&b, "Title", project.Title)
		if project.Description != nil {
			writeField(&b, "Description", *project.Description)
		}
		writeField(&b, "Status", project.Status)
	}

	if task != nil {
		b.WriteString("\n\nCurrent task:")
		writeField(&b, "Title", task.Title)
		writeField(&b, "Description", task.Description)
		writeField(&b, "Status", task.Status)
		writeField(&b, "Priority", task.Priority)
	}

	if project == nil && task == nil && len(choices) > 0 {
		b.WriteString("\n\nProjects you can add tasks to:")
		for _, p := range choices {
			fmt.Fprintf(&b, "\n- %s (projectId: %s)", strings.TrimSpace(p.Title), p.ID)
		}
	}

	b.WriteString("\n\n")
	b.WriteString(actionInstructions)
	return b.String()
}

func writeField(b *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	fmt.Fprintf(b, "\n- %s: %s", label, value)
}

const describeTaskPrompt = `You turn a free-form task description into a task for project %q. Reply with only one JSON object with these fields:
{"title": string, "description": string, "priority": "LOW" | "MEDIUM" | "HIGH", "status": "TODO" | "IN_PROGRESS" | "REVIEW", "dueDate": "YYYY-MM-DD" or null, "estimatedHours": number or null, "tags": [string]}
Keep the title under 80 characters.`

func buildDescribeTaskPrompt(project storage.Project) string {
	return fmt.Sprintf(describeTaskPrompt, project.Title)
}
