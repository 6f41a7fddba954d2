package tagbot

import (
	"math/rand/v2"
	"regexp"
	"strings"
)

// Mention identifies a user or channel by ID, along with the text used
// to mention it in a message
type Mention struct {
	ID      string
	Mention string
}

// RenderContext holds the values placeholders in a tag response are
// replaced with.
type RenderContext struct {
	Author     Mention
	AuthorName string

	ChannelMention string

	// Mentions of channels '<@randomchannel>' chooses from. Outside a
	// guild this should be ["Here"].
	RandomChannels []string

	// The first user mentioned in the triggering message, if any
	Target     *Mention
	TargetName string

	InGuild bool

	// The bot's own identity, which becomes the target outside a guild
	// when nobody was mentioned
	Self     Mention
	SelfName string
}

// RenderedTag is a tag response ready to be sent
type RenderedTag struct {
	Content       string
	AttachmentURL string

	// User IDs that may be pinged by Content
	AllowedUsers []string
}

type renderState struct {
	rc     RenderContext
	rng    *rand.Rand
	target *Mention
	name   string
}

func (s *renderState) intN(n int) int {
	if s.rng == nil {
		return rand.IntN(n)
	}
	return s.rng.IntN(n)
}

// tokenReplacer substitutes every match of pattern in a tag response.
// replace returning a non-nil error aborts rendering.
type tokenReplacer struct {
	name    string
	pattern *regexp.Regexp
	replace func(s *renderState, match []string) (string, error)
}

var (
	randomTokenPattern        = regexp.MustCompile(`(?i)<@random ?\[(.*?)\]>`)
	randomChannelTokenPattern = regexp.MustCompile(`(?i)<@randomchannel>`)
	targetTokenPattern        = regexp.MustCompile(`(?i)<@target>`)
	targetNameTokenPattern    = regexp.MustCompile(`(?i)<@targetname>`)
)

// identityTokenPattern matches every placeholder resolved from the
// invocation. They're replaced in a single pass, so substituted values
// (display names, channel mentions) are never scanned again.
var identityTokenPattern = regexp.MustCompile(
	`(?i)<@(authorname|author|channel|randomchannel|targetname|target)>`,
)

var identityTokens = map[string]func(s *renderState) (string, error){
	"author": func(s *renderState) (string, error) {
		return s.rc.Author.Mention, nil
	},
	"authorname": func(s *renderState) (string, error) {
		return s.rc.AuthorName, nil
	},
	"channel": func(s *renderState) (string, error) {
		return s.rc.ChannelMention, nil
	},
	"randomchannel": func(s *renderState) (string, error) {
		channels := s.rc.RandomChannels
		if !s.rc.InGuild && len(channels) == 0 {
			channels = []string{"Here"}
		}
		if len(channels) == 0 {
			return s.rc.ChannelMention, nil
		}
		return channels[s.intN(len(channels))], nil
	},
	"target": func(s *renderState) (string, error) {
		if err := s.resolveTarget(); err != nil {
			return "", err
		}
		return s.target.Mention, nil
	},
	"targetname": func(s *renderState) (string, error) {
		if err := s.resolveTarget(); err != nil {
			return "", err
		}
		return s.name, nil
	},
}

// renderPipeline runs in order. Random choice is resolved first, so
// values substituted later (like display names) are never split on '|'.
var renderPipeline = []tokenReplacer{
	{
		name:    "random",
		pattern: randomTokenPattern,
		replace: func(s *renderState, match []string) (string, error) {
			items := strings.Split(match[1], "|")
			return items[s.intN(len(items))], nil
		},
	},
	{
		name:    "identity",
		pattern: identityTokenPattern,
		replace: func(s *renderState, match []string) (string, error) {
			return identityTokens[strings.ToLower(match[1])](s)
		},
	},
}

func (s *renderState) resolveTarget() error {
	if s.target != nil {
		return nil
	}
	switch {
	case s.rc.Target != nil:
		s.target = s.rc.Target
		s.name = s.rc.TargetName
	case !s.rc.InGuild:
		self := s.rc.Self
		s.target = &self
		s.name = s.rc.SelfName
	default:
		return ErrTargetRequired
	}
	return nil
}

// RenderTag substitutes the placeholders in the tag's response. If the
// response references a target and none can be resolved, ErrTargetRequired
// is returned. rng may be nil to use the global source.
func RenderTag(tag Tag, rc RenderContext, rng *rand.Rand) (*RenderedTag, error) {
	s := &renderState{rc: rc, rng: rng}
	content := tag.ResponseText()

	for _, r := range renderPipeline {
		var replaceErr error
		content = r.pattern.ReplaceAllStringFunc(
			content, func(m string) string {
				if replaceErr != nil {
					return m
				}
				v, err := r.replace(s, r.pattern.FindStringSubmatch(m))
				if err != nil {
					replaceErr = err
					return m
				}
				return v
			},
		)
		if replaceErr != nil {
			return nil, replaceErr
		}
	}

	rendered := &RenderedTag{
		Content:       content,
		AttachmentURL: tag.AttachmentURL(),
	}
	target := s.target
	if target == nil {
		target = rc.Target
	}
	if target != nil && target.ID != "" {
		rendered.AllowedUsers = append(rendered.AllowedUsers, target.ID)
	}
	if rc.Author.ID != "" && (target == nil || target.ID != rc.Author.ID) {
		rendered.AllowedUsers = append(rendered.AllowedUsers, rc.Author.ID)
	}
	return rendered, nil
}

// usesToken reports whether a tag response contains any of the given
// placeholder patterns
func usesToken(response string, patterns ...*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(response) {
			return true
		}
	}
	return false
}
