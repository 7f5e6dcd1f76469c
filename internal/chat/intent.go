package chat

import (
	"regexp"
	"strings"

	"github.com/mpetrov/sitechat/internal/domain"
)

// intentPattern matches an intent token the provider is prompted to
// embed in its answer when the message is not a real question.
var intentPattern = regexp.MustCompile(`(?i)intent_(\w+)`)

// maxIntentTagLen bounds the matched tag before table lookup so
// adversarial provider output cannot grow unbounded keys.
const maxIntentTagLen = 32

// cannedAnswers is the static intent-to-text table. Unrecognized tags
// fall back to the off-topic text.
var cannedAnswers = map[domain.Intent]string{
	domain.IntentGreeting:  "Hello! Ask me anything about the site and its projects.",
	domain.IntentOffTopic:  "I can only help with questions about this site and its content.",
	domain.IntentFeedback:  "Thanks for the feedback! It has been passed along.",
	domain.IntentProject:   "You can find project details in the projects section; ask me about any of them.",
	domain.IntentTimeout:   "That took longer than expected. Please try asking again.",
	domain.IntentBlacklist: "This topic is not something I can discuss here.",
	domain.IntentSpam:      "That looks like spam, so I will not answer it.",
}

// Resolution is the parsed outcome of a provider answer: either the
// answer is used verbatim (on-topic) or it is replaced with a canned
// response for the resolved intent.
type Resolution struct {
	Intent domain.Intent
	Answer string
}

// ResolveIntent scans the provider's answer for an intent token,
// case-insensitively. Without a token the answer is on-topic and used
// verbatim.
func ResolveIntent(answer string) Resolution {
	m := intentPattern.FindStringSubmatch(answer)
	if m == nil {
		return Resolution{Intent: domain.IntentOnTopic, Answer: answer}
	}

	tag := strings.ToLower(m[1])
	if len(tag) > maxIntentTagLen {
		tag = tag[:maxIntentTagLen]
	}

	intent := domain.Intent(tag)
	text, ok := cannedAnswers[intent]
	if !ok {
		intent = domain.IntentOffTopic
		text = cannedAnswers[domain.IntentOffTopic]
	}
	return Resolution{Intent: intent, Answer: text}
}

// CannedAnswer returns the canned text for an intent, falling back to
// the off-topic text for anything without an entry.
func CannedAnswer(intent domain.Intent) string {
	if text, ok := cannedAnswers[intent]; ok {
		return text
	}
	return cannedAnswers[domain.IntentOffTopic]
}
