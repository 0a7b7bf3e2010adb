package plugins

import (
	"context"
	"encoding/json"

	"github.com/drover-sh/drover/internal/driver"
	"github.com/drover-sh/drover/internal/session"
	"github.com/drover-sh/drover/pkg/schema"
)

func decodeInput(input json.RawMessage, dst any, plugin string) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeDefinition,
			"invalid input for plugin %s: %v", plugin, err).WithPlugin(plugin)
	}
	return nil
}

func invoke(ctx context.Context, sess *session.Handle, action string, params map[string]any) (map[string]any, error) {
	sess.Touch()
	return sess.Driver().Invoke(ctx, driver.Payload{Action: action, Params: params})
}

// LoginPlugin establishes an authenticated session. Other plugins declare it
// as a dependency so resolution orders it first.
type LoginPlugin struct{}

func (*LoginPlugin) Descriptor() *schema.PluginDescriptor {
	return &schema.PluginDescriptor{
		Name:        "login",
		Version:     "1.2.0",
		Description: "Authenticates the account and establishes a session.",
		Categories:  []string{"auth"},
		Tags:        []string{"core"},
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"two_factor": {"type": "boolean"},
				"max_wait_seconds": {"type": "integer", "minimum": 1}
			},
			"additionalProperties": false
		}`),
	}
}

func (*LoginPlugin) Run(ctx context.Context, sess *session.Handle, input json.RawMessage) (map[string]any, error) {
	var cfg struct {
		TwoFactor      bool `json:"two_factor"`
		MaxWaitSeconds int  `json:"max_wait_seconds"`
	}
	if err := decodeInput(input, &cfg, "login"); err != nil {
		return nil, err
	}

	params := map[string]any{"two_factor": cfg.TwoFactor}
	if cfg.MaxWaitSeconds > 0 {
		params["max_wait_seconds"] = cfg.MaxWaitSeconds
	}
	out, err := invoke(ctx, sess, "auth.login", params)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SessionCheckPlugin verifies the session is still authenticated without
// mutating account state. Declares an optional login dependency: when a
// workflow also runs login, the check runs after it.
type SessionCheckPlugin struct{}

func (*SessionCheckPlugin) Descriptor() *schema.PluginDescriptor {
	return &schema.PluginDescriptor{
		Name:        "session_check",
		Version:     "1.0.1",
		Description: "Verifies that the account session is still authenticated.",
		Categories:  []string{"auth"},
		Tags:        []string{"core", "readonly"},
		Requires: []schema.Dependency{
			{Name: "login", Constraint: ">=1.0.0", Optional: true},
		},
	}
}

func (*SessionCheckPlugin) Run(ctx context.Context, sess *session.Handle, _ json.RawMessage) (map[string]any, error) {
	out, err := invoke(ctx, sess, "auth.check", nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FeedScrollerPlugin scrolls the account feed and optionally reacts to posts.
// Scrolling is idempotent, so timeouts stay retryable.
type FeedScrollerPlugin struct{}

func (*FeedScrollerPlugin) Descriptor() *schema.PluginDescriptor {
	return &schema.PluginDescriptor{
		Name:        "feed_scroller",
		Version:     "2.0.3",
		Description: "Scrolls the feed, collecting and optionally liking posts.",
		Categories:  []string{"engagement"},
		Tags:        []string{"feed"},
		Requires: []schema.Dependency{
			{Name: "login", Constraint: "^1.0"},
		},
		RetryableKinds: []string{"timeout", "network", "rate_limited"},
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"count": {"type": "integer", "minimum": 1, "maximum": 200},
				"like_probability": {"type": "number", "minimum": 0, "maximum": 1}
			},
			"required": ["count"],
			"additionalProperties": false
		}`),
	}
}

func (*FeedScrollerPlugin) Run(ctx context.Context, sess *session.Handle, input json.RawMessage) (map[string]any, error) {
	var cfg struct {
		Count           int     `json:"count"`
		LikeProbability float64 `json:"like_probability"`
	}
	if err := decodeInput(input, &cfg, "feed_scroller"); err != nil {
		return nil, err
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}

	out, err := invoke(ctx, sess, "feed.scroll", map[string]any{
		"count":            cfg.Count,
		"like_probability": cfg.LikeProbability,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PostPublisherPlugin publishes a post to the account timeline. Publishing is
// not idempotent: a timed-out attempt may have landed, so timeouts are never
// retried.
type PostPublisherPlugin struct{}

func (*PostPublisherPlugin) Descriptor() *schema.PluginDescriptor {
	return &schema.PluginDescriptor{
		Name:          "post_publisher",
		Version:       "1.4.0",
		Description:   "Publishes a post to the account timeline.",
		Categories:    []string{"publishing"},
		Tags:          []string{"content"},
		NonIdempotent: true,
		Requires: []schema.Dependency{
			{Name: "login", Constraint: ">=1.1.0"},
		},
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string", "minLength": 1},
				"media": {"type": "array", "items": {"type": "string"}},
				"visibility": {"type": "string", "enum": ["public", "friends", "only_me"]}
			},
			"required": ["text"],
			"additionalProperties": false
		}`),
	}
}

func (*PostPublisherPlugin) Run(ctx context.Context, sess *session.Handle, input json.RawMessage) (map[string]any, error) {
	var cfg struct {
		Text       string   `json:"text"`
		Media      []string `json:"media"`
		Visibility string   `json:"visibility"`
	}
	if err := decodeInput(input, &cfg, "post_publisher"); err != nil {
		return nil, err
	}
	if cfg.Text == "" {
		return nil, schema.NewError(schema.ErrCodeMissingInput,
			"post_publisher requires a non-empty text input").WithPlugin("post_publisher")
	}
	if cfg.Visibility == "" {
		cfg.Visibility = "public"
	}

	params := map[string]any{"text": cfg.Text, "visibility": cfg.Visibility}
	if len(cfg.Media) > 0 {
		media := make([]any, len(cfg.Media))
		for i, m := range cfg.Media {
			media[i] = m
		}
		params["media"] = media
	}
	out, err := invoke(ctx, sess, "post.publish", params)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GroupPosterPlugin posts into a group. Builds on the publisher's composer
// when present.
type GroupPosterPlugin struct{}

func (*GroupPosterPlugin) Descriptor() *schema.PluginDescriptor {
	return &schema.PluginDescriptor{
		Name:          "group_poster",
		Version:       "0.9.2",
		Description:   "Publishes a post into a target group.",
		Categories:    []string{"publishing"},
		Tags:          []string{"content", "groups"},
		NonIdempotent: true,
		Requires: []schema.Dependency{
			{Name: "login", Constraint: ">=1.0.0"},
			{Name: "post_publisher", Constraint: "~1.4", Optional: true},
		},
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"group_id": {"type": "string", "minLength": 1},
				"text": {"type": "string", "minLength": 1}
			},
			"required": ["group_id", "text"],
			"additionalProperties": false
		}`),
	}
}

func (*GroupPosterPlugin) Run(ctx context.Context, sess *session.Handle, input json.RawMessage) (map[string]any, error) {
	var cfg struct {
		GroupID string `json:"group_id"`
		Text    string `json:"text"`
	}
	if err := decodeInput(input, &cfg, "group_poster"); err != nil {
		return nil, err
	}
	if cfg.GroupID == "" || cfg.Text == "" {
		return nil, schema.NewError(schema.ErrCodeMissingInput,
			"group_poster requires group_id and text inputs").WithPlugin("group_poster")
	}

	out, err := invoke(ctx, sess, "group.post", map[string]any{
		"group_id": cfg.GroupID,
		"text":     cfg.Text,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
