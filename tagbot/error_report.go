package tagbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	errorReportUserMessage = "I've run into an error. I've let my devs know."

	// descriptions longer than embedDescriptionLimit are cut down to this
	errorReportDescriptionTruncate = 4000
	errorReportColor               = 0xff0000
)

// panicError wraps a recovered panic along with the stack it was
// recovered from
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func (p *panicError) Stack() string {
	return string(p.stack)
}

// ErrorReporter posts unexpected errors to a discord webhook for the
// bot's developers, and tells the affected user something went wrong.
type ErrorReporter struct {
	session      DiscordSessionHandler
	webhookID    string
	webhookToken string
	logger       *slog.Logger
	cleanDelay   time.Duration
}

func newErrorReporter(
	session DiscordSessionHandler,
	webhookURL string,
	cleanDelay time.Duration,
	logger *slog.Logger,
) (*ErrorReporter, error) {
	r := &ErrorReporter{
		session:    session,
		logger:     logger,
		cleanDelay: cleanDelay,
	}
	if webhookURL != "" {
		id, token, err := parseWebhookURL(webhookURL)
		if err != nil {
			return nil, err
		}
		r.webhookID = id
		r.webhookToken = token
	}
	return r, nil
}

// parseWebhookURL extracts the ID and token from a discord webhook URL
// like https://discord.com/api/webhooks/{id}/{token}
func parseWebhookURL(raw string) (id string, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", errors.New("invalid webhook url: expected /api/webhooks/{id}/{token}")
}

// Report sends a diagnostic embed describing err to the error webhook.
// source is where the error happened, and may be a *discordgo.Message,
// an [InteractionHandler] or a string. For messages and interactions,
// the user gets an apology which is deleted after a delay.
// Cancellations are never reported.
func (r *ErrorReporter) Report(ctx context.Context, err error, source any) {
	if r == nil || err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	reference := uuid.NewString()
	logger := r.logger
	if ctxLogger, ok := ContextLogger(ctx); ok {
		logger = ctxLogger
	}
	logger.ErrorContext(ctx, "reporting error", tint.Err(err), "error_reference", reference)

	embed := errorReportEmbed(err, source, reference)
	if r.webhookID != "" {
		_, execErr := r.session.WebhookExecute(
			r.webhookID,
			r.webhookToken,
			false,
			&discordgo.WebhookParams{
				Embeds:          []*discordgo.MessageEmbed{embed},
				AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
			},
		)
		if execErr != nil {
			logger.ErrorContext(ctx, "unable to send error report", tint.Err(execErr))
		}
	}

	switch src := source.(type) {
	case *discordgo.Message:
		r.notifyMessage(ctx, src)
	case InteractionHandler:
		r.notifyInteraction(ctx, src)
	}
}

func (r *ErrorReporter) notifyMessage(ctx context.Context, m *discordgo.Message) {
	reply, err := r.session.ChannelMessageSendReply(m.ChannelID, errorReportUserMessage, m.Reference())
	if err != nil {
		r.logger.WarnContext(ctx, "unable to send error notice", tint.Err(err))
		return
	}
	if r.cleanDelay > 0 && reply != nil {
		cleanMessage(ctx, r.session, reply, r.cleanDelay)
	}
}

// notifyInteraction responds with the apology, or edits the existing
// response if the interaction was already responded to
func (r *ErrorReporter) notifyInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	if i == nil || i.Type == discordgo.InteractionApplicationCommandAutocomplete {
		return
	}
	err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: errorReportUserMessage,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		content := errorReportUserMessage
		if _, editErr := handler.Edit(
			ctx,
			&discordgo.WebhookEdit{
				Content:    &content,
				Embeds:     &[]*discordgo.MessageEmbed{},
				Components: &[]discordgo.MessageComponent{},
			},
		); editErr != nil {
			r.logger.WarnContext(ctx, "unable to send error notice", tint.Err(editErr))
			return
		}
	}
	if r.cleanDelay > 0 {
		time.AfterFunc(
			r.cleanDelay, func() {
				handler.Delete(context.Background())
			},
		)
	}
}

func errorReportEmbed(err error, source any, reference string) *discordgo.MessageEmbed {
	description := err.Error()
	var pe *panicError
	if errors.As(err, &pe) {
		description = description + "\n\n" + pe.Stack()
	}
	if utf8.RuneCountInString(description) > embedDescriptionLimit {
		description = truncate(description, errorReportDescriptionTruncate)
	}

	e := &discordgo.MessageEmbed{
		Title:       truncate(errorTypeName(err), embedTitleLimit),
		Description: description,
		Color:       errorReportColor,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: "Reference: " + reference},
	}

	field := func(name, value string, inline bool) *discordgo.MessageEmbedField {
		if value == "" {
			value = "`undefined`"
		}
		return &discordgo.MessageEmbedField{
			Name:   name,
			Value:  truncate(value, embedFieldValueLimit),
			Inline: inline,
		}
	}

	switch src := source.(type) {
	case *discordgo.Message:
		var username string
		if src.Author != nil {
			username = src.Author.Username
		}
		e.Fields = append(
			e.Fields,
			field("User", username, true),
			field("Location", errorLocation(src.GuildID, src.ChannelID), true),
			field("Command", src.Content, true),
		)
	case InteractionHandler:
		i := src.GetInteraction()
		if i == nil {
			break
		}
		var username string
		if u := getDiscordUser(i); u != nil {
			username = u.Username
		}
		command, data := parseInteraction(i)
		e.Fields = append(
			e.Fields,
			field("User", username, true),
			field("Location", errorLocation(i.GuildID, i.ChannelID), true),
			field("Interaction", strings.Join(append([]string{command}, data...), "\n"), false),
		)
	case string:
		e.Fields = append(e.Fields, field("Message", src, false))
	}
	return e
}

func errorLocation(guildID, channelID string) string {
	if guildID == "" {
		return "DM"
	}
	return fmt.Sprintf("%s > <#%s>", guildID, channelID)
}

// errorTypeName is the type of the innermost wrapped error
func errorTypeName(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return fmt.Sprintf("%T", err)
}

// truncate cuts s to at most n runes
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
