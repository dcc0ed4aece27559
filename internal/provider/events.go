package provider

import "strings"

// EventType is the provider-neutral category of an activity record.
type EventType string

const (
	EventPush         EventType = "push"
	EventIssues       EventType = "issues"
	EventNote         EventType = "note"
	EventMergeRequest EventType = "merge_request"
	EventPipeline     EventType = "pipeline"
	EventJob          EventType = "job"
	EventDeployment   EventType = "deployment"
	EventTagPush      EventType = "tag_push"
	EventWikiPage     EventType = "wiki_page"
	EventRelease      EventType = "release"
	EventFeatureFlag  EventType = "feature_flag"
	EventMember       EventType = "member"
	EventUnknown      EventType = "unknown"
)

var knownEventTypes = map[EventType]struct{}{
	EventPush: {}, EventIssues: {}, EventNote: {}, EventMergeRequest: {},
	EventPipeline: {}, EventJob: {}, EventDeployment: {}, EventTagPush: {},
	EventWikiPage: {}, EventRelease: {}, EventFeatureFlag: {}, EventMember: {},
	EventUnknown: {},
}

func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

var gitlabActions = map[string]EventType{
	"pushed":       EventPush,
	"pushed to":    EventPush,
	"pushed new":   EventPush,
	"deleted":      EventPush,
	"created":      EventPush,
	"updated":      EventPush,
	"opened":       EventIssues,
	"closed":       EventIssues,
	"reopened":     EventIssues,
	"commented":    EventNote,
	"commented on": EventNote,
	"accepted":     EventMergeRequest,
	"merged":       EventMergeRequest,
	"opened MR":    EventMergeRequest,
	"closed MR":    EventMergeRequest,
	"reopened MR":  EventMergeRequest,
	"pipeline":     EventPipeline,
	"job":          EventJob,
	"deployment":   EventDeployment,
	"tag":          EventTagPush,
	"wiki":         EventWikiPage,
	"release":      EventRelease,
	"feature_flag": EventFeatureFlag,
	"member":       EventMember,
}

// ParseGitLabAction maps an Events API action_name (or, when empty, the
// target_type) to an EventType. Unrecognised strings map to EventUnknown.
func ParseGitLabAction(action, targetType string) EventType {
	key := strings.TrimSpace(action)
	if key == "" {
		key = strings.TrimSpace(targetType)
	}
	if key == "" {
		return EventUnknown
	}
	if t, ok := gitlabActions[key]; ok {
		return t
	}
	return EventUnknown
}

var githubEvents = map[string]EventType{
	"PushEvent":                     EventPush,
	"CreateEvent":                   EventPush,
	"DeleteEvent":                   EventPush,
	"IssuesEvent":                   EventIssues,
	"IssueCommentEvent":             EventNote,
	"CommitCommentEvent":            EventNote,
	"PullRequestReviewEvent":        EventNote,
	"PullRequestReviewCommentEvent": EventNote,
	"PullRequestEvent":              EventMergeRequest,
	"WorkflowRunEvent":              EventPipeline,
	"WorkflowJobEvent":              EventJob,
	"DeploymentEvent":               EventDeployment,
	"DeploymentStatusEvent":         EventDeployment,
	"GollumEvent":                   EventWikiPage,
	"ReleaseEvent":                  EventRelease,
	"MemberEvent":                   EventMember,
}

// ParseGitHubEventType maps a GitHub Events API type to an EventType.
func ParseGitHubEventType(eventType string) EventType {
	if t, ok := githubEvents[strings.TrimSpace(eventType)]; ok {
		return t
	}
	return EventUnknown
}
