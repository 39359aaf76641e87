// Package advisor suggests next steps from the terminal transcript. Without a
// configured Asker it falls back to offline keyword heuristics; with one it
// builds chat prompts from the recent transcript and the selected profiles.
package advisor

//go:generate mockgen -source=advisor.go -destination=mocks/mock_asker.go -package=mocks

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/anstrom/reconmap/internal/logging"
)

// Transcript windows, in characters.
const (
	AdviceContextChars = 8000
	AdvicePromptChars  = 6000
	ChatContextChars   = 4000
	ChatPromptChars    = 3000

	// ChatHistoryLimit is the number of past chat messages sent with a question.
	ChatHistoryLimit = 20
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Built-in profiles.
const (
	ProfileWeb      = "web"
	ProfileInternal = "internal"
	ProfileMobile   = "mobile"
	ProfileInfra    = "infra"
	ProfileOpsec    = "opsec"
)

// ErrNoAsker is returned by Chat when no completion backend is configured.
var ErrNoAsker = stderrors.New("no chat backend configured")

const (
	adviceSystemPrompt = "You are an expert penetration testing assistant. " +
		"You read a pentester's terminal and give relevant, technical and actionable advice. " +
		"Structure your answer with clear sections."

	chatSystemPrompt = "You are an expert in cybersecurity and penetration testing. " +
		"You help a pentester during an engagement. " +
		"Answer technically and concisely. When relevant, propose exact commands to run."
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Asker sends a conversation to a completion backend and returns the answer.
type Asker interface {
	Ask(ctx context.Context, messages []Message) (string, error)
}

// Advice is the result of Advise.
type Advice struct {
	Text     string   `json:"text"`
	Offline  bool     `json:"offline"`
	Profiles []string `json:"profiles"`
}

// DefaultPrompts returns the built-in profile prompts.
func DefaultPrompts() map[string]string {
	return map[string]string{
		ProfileWeb:      "You specialize in web pentesting (OWASP Top 10, auth bypass, SQL injection/XSS/SSTI, CSRF, SSRF, etc.).",
		ProfileInternal: "You specialize in internal pentesting (Active Directory, NTLM relay, Kerberoasting, lateral movement, post-exploitation).",
		ProfileMobile:   "You specialize in mobile pentesting (Android/iOS, APK reverse engineering, API interception, local storage, certificate pinning).",
		ProfileInfra:    "You specialize in infrastructure pentesting (network scanning, exposed services, protocols, firmware, IoT).",
		ProfileOpsec:    "You help stay discreet (OPSEC, rate limiting, source rotation, log cleanup, evasion).",
	}
}

// Advisor holds profile prompts and the chat history. It is safe for
// concurrent use.
type Advisor struct {
	asker  Asker
	logger *logging.Logger

	mu      sync.Mutex
	prompts map[string]string
	history []Message
}

// New creates an advisor. A nil asker selects offline mode and nil prompts
// select DefaultPrompts.
func New(asker Asker, prompts map[string]string, logger *logging.Logger) *Advisor {
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Advisor{
		asker:   asker,
		logger:  logger.WithComponent("advisor"),
		prompts: copyPrompts(prompts),
	}
}

// Online reports whether a completion backend is configured.
func (a *Advisor) Online() bool {
	return a.asker != nil
}

// Prompts returns a copy of the profile prompts.
func (a *Advisor) Prompts() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyPrompts(a.prompts)
}

// SetPrompts replaces the profile prompts.
func (a *Advisor) SetPrompts(prompts map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = copyPrompts(prompts)
}

// SetPrompt sets the prompt of one profile.
func (a *Advisor) SetPrompt(profile, prompt string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts[profile] = prompt
}

// Profiles returns the known profile names in sorted order.
func (a *Advisor) Profiles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.prompts))
	for name := range a.prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// History returns a copy of the chat history.
func (a *Advisor) History() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.history...)
}

// SetHistory replaces the chat history.
func (a *Advisor) SetHistory(history []Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append([]Message(nil), history...)
}

// Advise comments on the last command. transcript is the whole terminal
// transcript; only its tail is used.
func (a *Advisor) Advise(ctx context.Context, transcript, lastCommand string, profiles []string) (Advice, error) {
	advice := Advice{Profiles: profiles}
	if a.asker == nil {
		advice.Offline = true
		advice.Text = OfflineAdvice(lastCommand, profiles)
		return advice, nil
	}

	messages := BuildAdviceMessages(a.Prompts(), Tail(transcript, AdviceContextChars), lastCommand, profiles)
	answer, err := a.asker.Ask(ctx, messages)
	if err != nil {
		a.logger.WithError(err).Warn("advice request failed", "command", lastCommand)
		return advice, fmt.Errorf("advice request failed: %w", err)
	}
	advice.Text = "AI analysis:\n" + answer
	return advice, nil
}

// Chat asks a free-form question with the recent transcript as context. The
// question is kept in the history even when the request fails.
func (a *Advisor) Chat(ctx context.Context, transcript, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", stderrors.New("empty question")
	}
	if a.asker == nil {
		return "", ErrNoAsker
	}

	a.mu.Lock()
	a.history = append(a.history, Message{Role: RoleUser, Content: question})
	messages := BuildChatMessages(Tail(transcript, ChatContextChars), a.history)
	a.mu.Unlock()

	answer, err := a.asker.Ask(ctx, messages)
	if err != nil {
		a.logger.WithError(err).Warn("chat request failed")
		return "", fmt.Errorf("chat request failed: %w", err)
	}

	a.mu.Lock()
	a.history = append(a.history, Message{Role: RoleAssistant, Content: answer})
	a.mu.Unlock()
	return answer, nil
}

// BuildAdviceMessages builds the system and user messages of an advice
// request. recent should already be cut to AdviceContextChars.
func BuildAdviceMessages(prompts map[string]string, recent, lastCommand string, profiles []string) []Message {
	system := []string{adviceSystemPrompt}
	for _, p := range profiles {
		if prompt := prompts[p]; prompt != "" {
			system = append(system, prompt)
		}
	}

	user := fmt.Sprintf("Terminal context (last %d chars):\n```\n%s\n```\n\n"+
		"Last command: `%s`\n\n"+
		"Analyze this command and its output. Provide:\n"+
		"1. What you observe (important results)\n"+
		"2. Recommended next steps\n"+
		"3. Suggested commands\n"+
		"4. Points of attention (OPSEC, common mistakes)",
		AdviceContextChars, Tail(recent, AdvicePromptChars), lastCommand)

	return []Message{
		{Role: RoleSystem, Content: strings.Join(system, "\n")},
		{Role: RoleUser, Content: user},
	}
}

// BuildChatMessages builds a chat request from the recent transcript and the
// history, of which only the last ChatHistoryLimit messages are sent.
func BuildChatMessages(recent string, history []Message) []Message {
	system := chatSystemPrompt
	if strings.TrimSpace(recent) != "" {
		system += "\n\nRecent terminal context of the pentester:\n```\n" + Tail(recent, ChatPromptChars) + "\n```"
	}

	if len(history) > ChatHistoryLimit {
		history = history[len(history)-ChatHistoryLimit:]
	}
	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Role: RoleSystem, Content: system})
	return append(messages, history...)
}

// Tail returns the last n characters of s.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

func copyPrompts(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
