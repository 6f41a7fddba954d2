package tagbot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"sync"
	"time"
)

const (
	confirmDefaultTitle  = "Confirmation Dialog"
	confirmDefaultPrompt = "Are you sure?"
	confirmTimeout       = 60 * time.Second
	confirmEmbedColor    = 0xff0000
)

type confirmResult int

const (
	confirmTimedOut confirmResult = iota
	confirmAccepted
	confirmCancelled
)

func (c confirmResult) String() string {
	switch c {
	case confirmAccepted:
		return "accepted"
	case confirmCancelled:
		return "cancelled"
	default:
		return "timed_out"
	}
}

// componentWaiters routes component interactions (button clicks) to
// whatever is waiting on their custom ID
type componentWaiters struct {
	mu      sync.Mutex
	waiters map[string]chan *discordgo.InteractionCreate
}

func newComponentWaiters() *componentWaiters {
	return &componentWaiters{waiters: map[string]chan *discordgo.InteractionCreate{}}
}

// register returns a channel receiving component interactions for any of
// the given custom IDs. The returned func must be called once the caller
// stops listening.
func (w *componentWaiters) register(customIDs ...string) (
	<-chan *discordgo.InteractionCreate,
	func(),
) {
	ch := make(chan *discordgo.InteractionCreate, len(customIDs))
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range customIDs {
		w.waiters[id] = ch
	}
	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for _, id := range customIDs {
			delete(w.waiters, id)
		}
	}
}

// deliver hands the interaction to its waiter, returning false if
// nothing is waiting on its custom ID
func (w *componentWaiters) deliver(i *discordgo.InteractionCreate) bool {
	if i == nil || i.Type != discordgo.InteractionMessageComponent {
		return false
	}
	customID := i.MessageComponentData().CustomID

	w.mu.Lock()
	ch, ok := w.waiters[customID]
	w.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- i:
		return true
	default:
		return false
	}
}

// confirmInteraction responds to the interaction with Confirm/Cancel
// buttons, and waits for the invoking user to click one. Clicks from
// anyone else are ignored.
func confirmInteraction(
	ctx context.Context,
	waiters *componentWaiters,
	handler InteractionHandler,
	prompt string,
	title string,
	timeout time.Duration,
) (confirmResult, error) {
	if prompt == "" {
		prompt = confirmDefaultPrompt
	}
	if title == "" {
		title = confirmDefaultTitle
	}
	if timeout <= 0 {
		timeout = confirmTimeout
	}

	confirmID, err := randomHex(discordComponentCustomIDLength)
	if err != nil {
		return confirmTimedOut, err
	}
	cancelID, err := randomHex(discordComponentCustomIDLength)
	if err != nil {
		return confirmTimedOut, err
	}

	ch, unregister := waiters.register(confirmID, cancelID)
	defer unregister()

	i := handler.GetInteraction()
	var userID string
	if u := getDiscordUser(i); u != nil {
		userID = u.ID
	}

	err = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
				Embeds: []*discordgo.MessageEmbed{
					{
						Title:       title,
						Description: prompt,
						Color:       confirmEmbedColor,
					},
				},
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							discordgo.Button{
								Label:    "Confirm",
								Style:    discordgo.SuccessButton,
								CustomID: confirmID,
								Emoji:    &discordgo.ComponentEmoji{Name: "✅"},
							},
							discordgo.Button{
								Label:    "Cancel",
								Style:    discordgo.DangerButton,
								CustomID: cancelID,
								Emoji:    &discordgo.ComponentEmoji{Name: "⛔"},
							},
						},
					},
				},
			},
		},
	)
	if err != nil {
		return confirmTimedOut, fmt.Errorf("error sending confirmation: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return confirmTimedOut, ctx.Err()
		case <-timer.C:
			return confirmTimedOut, nil
		case ci := <-ch:
			clicker := getDiscordUser(ci)
			if clicker == nil || clicker.ID != userID {
				continue
			}
			if ci.MessageComponentData().CustomID == confirmID {
				return confirmAccepted, nil
			}
			return confirmCancelled, nil
		}
	}
}

// randomHex returns n random hex characters, for component custom IDs
// and other identifiers that only need to be unique
func randomHex(n int) (string, error) {
	buf := make([]byte, hex.DecodedLen(n+1))
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf)[:n], nil
}
