package textgen

import (
	"fmt"
	"strings"

	"github.com/MrWong99/duologue/pkg/dialogue"
	"github.com/MrWong99/duologue/pkg/types"
)

const hostsSystemPrompt = `You write spoken dialogue for a two-host discussion show.
The hosts are Alex and Jordan.
Alex leans progressive and optimistic about change and new ideas.
Jordan leans traditional and cautious, and weighs costs and trade-offs.
They disagree respectfully, listen to each other, and speak in plain conversational English.
Write only the spoken lines, one per line, each starting with the speaker's name and a colon.
No stage directions, no markdown, no narration.`

var personas = map[types.Speaker]string{
	types.SpeakerAlex: `You are Alex, a host with a progressive perspective in a two-host discussion.
Present thoughtful, nuanced views that lean progressive on the topic. Be respectful but represent this perspective authentically.`,
	types.SpeakerJordan: `You are Jordan, a host with a conservative, traditional perspective in a two-host discussion.
Present thoughtful, nuanced views that lean traditional on the topic. Be respectful but represent this perspective authentically.`,
}

func discussionPrompt(topic, description string, turns int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a discussion between Alex and Jordan about %q.\n", topic)
	if d := strings.TrimSpace(description); d != "" {
		fmt.Fprintf(&b, "Context: %s\n", d)
	}
	fmt.Fprintf(&b, "Write exactly %d lines that strictly alternate between the hosts, starting with Alex.\n", turns)
	b.WriteString("Each line is 2-3 sentences. Format every line as \"Alex: ...\" or \"Jordan: ...\".\n")
	b.WriteString("Open with Alex introducing the topic and close with Jordan inviting listeners to share their thoughts.")
	return b.String()
}

func ackPrompt(req AckRequest) string {
	name := req.Speaker.DisplayName()
	other := req.Speaker.Other().DisplayName()

	var b strings.Builder
	fmt.Fprintf(&b, "The discussion is about %q.\n", req.Topic)
	if d := strings.TrimSpace(req.Description); d != "" {
		fmt.Fprintf(&b, "Context: %s\n", d)
	}
	if len(req.Recent) > 0 {
		b.WriteString("\nThe conversation so far ends with:\n")
		b.WriteString(dialogue.Format(req.Recent))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nA listener named %s just sent this comment:\n%q\n\n", req.Author, req.Comment)
	fmt.Fprintf(&b, "%s has just finished speaking and responds first. ", name)
	fmt.Fprintf(&b, "%s thanks %s by name, responds to the comment in 1-2 sentences, and connects it to the discussion. ", name, req.Author)
	fmt.Fprintf(&b, "Then continue the discussion for 3 more lines alternating %s and %s, building on the comment.\n", other, name)
	fmt.Fprintf(&b, "Format every line as \"%s: ...\" or \"%s: ...\", starting with %s.", name, other, name)
	return b.String()
}

func replyPrompt(speaker types.Speaker, topic string, history []types.DialogueSegment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The discussion is about %q.\n", topic)
	if len(history) > 0 {
		b.WriteString("\nHere's the conversation so far:\n")
		b.WriteString(dialogue.Format(history))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nProvide your next response as %s. Keep it concise (2-3 sentences) and conversational. ", speaker.DisplayName())
	b.WriteString("Don't repeat points already made. Reply with the spoken words only.")
	return b.String()
}

const topicsPrompt = `Suggest 10 engaging, balanced discussion topics for a two-host show where one host leans progressive and the other traditional.
Respond with JSON only, as an array of objects: [{"title": "...", "description": "..."}].
Titles are at most 8 words. Descriptions are one sentence.`

func summaryPrompt(topic, transcript string) string {
	return fmt.Sprintf(`Analyze this discussion about %q and summarize it.

TRANSCRIPT:
%s

Respond with JSON only, using this structure:
{
  "summary": "A concise paragraph of 3-5 sentences covering the overall discussion",
  "keyPoints": ["3-5 key points that emerged"]
}`, topic, transcript)
}
