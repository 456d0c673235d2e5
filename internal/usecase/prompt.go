package usecase

import (
	"encoding/json"
	"fmt"
	"strings"

	"burrowed-assistant/internal/domain"
)

// SiteProfile personalises both prompts.
type SiteProfile struct {
	Name         string
	ContactEmail string
}

type turnContext struct {
	previousPrompt string
	previousAnswer string
	question       string
}

type contextSection struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

type contextRoute struct {
	URL         string           `json:"url"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Sections    []contextSection `json:"sections"`
}

func buildClassifierPrompt(site SiteProfile, routes []domain.RouteSummary, turn turnContext) string {
	return strings.Join([]string{
		"Role:",
		fmt.Sprintf("You are a URL classifier for %s's chatbot. Read the user's question and identify which page URLs are most likely to contain the answer.", site.Name),
		"",
		"Available Routes:",
		mustJSON(map[string]any{"routes": routes}),
		"",
		"Task:",
		"- Carefully analyze the user question.",
		"- Match it against the content and purpose of the listed URLs.",
		"- If the current question alone is unclear, use the previous question and answer for context.",
		"- Return only those URLs that are relevant to the user's query.",
		"",
		inputDescription("categorized"),
		"",
		"Output Contract:",
		`Respond with valid JSON only, in the form {"relevant_urls": ["/url-one", "/url-two"]}.`,
		`If no page matches the query, return {"relevant_urls": []}.`,
		"Only return URLs from the list provided above. Do not make up or guess additional paths.",
		"",
		turnBlock(turn),
	}, "\n")
}

func buildAnswerPrompt(site SiteProfile, routes []domain.RouteSummary, today string, turn turnContext, pages []domain.RouteDescriptor) string {
	return strings.Join([]string{
		"Role:",
		fmt.Sprintf("You are the conversational assistant for %s's chatbot. Read the user's question, consult only the provided site context, and craft a precise response.", site.Name),
		"If you can point the user to a specific page or section, include navigation guidance; if not, simply answer in chatbot style.",
		"",
		"Available Routes:",
		mustJSON(map[string]any{"routes": routes}),
		"",
		fmt.Sprintf("If no contact email is found in the content or if you can't answer the user's question, provide: %s.", site.ContactEmail),
		"",
		"Task:",
		"- Analyze the user's question.",
		"- Determine if any of the provided context pages contain the answer.",
		"- If the answer exists in the context, always answer the user's question directly.",
		"- If relevant, also tell the user which page and section to navigate to.",
		"- Only when no context applies, respond conversationally without URLs.",
		"",
		inputDescription("answered"),
		"CURRENT_DATE: Provided for use only if the question requires knowing today's date.",
		"",
		"Output Contract:",
		`Respond with valid JSON only: {"answer": "Your concise, user-friendly reply.", "supporting_paths": [{"url": "/relevant-url", "section_id": ["section-id"]}]}.`,
		`If no pages apply, return an empty supporting_paths list.`,
		"",
		"CURRENT_DATE: " + today,
		turnBlock(turn),
		"CONTEXT:",
		mustJSON(answerContext(pages)),
	}, "\n")
}

func inputDescription(verb string) string {
	return strings.Join([]string{
		"Input:",
		"PREVIOUS_QUESTION: The user's last question (may be empty).",
		"PREVIOUS_ANSWER: Your last answer to the user (may be empty).",
		fmt.Sprintf("CURRENT_QUESTION: The user's new question that needs to be %s.", verb),
		"Use PREVIOUS_QUESTION and PREVIOUS_ANSWER only if the CURRENT_QUESTION requires knowledge from prior context. Otherwise, rely solely on the CURRENT_QUESTION.",
	}, "\n")
}

func turnBlock(turn turnContext) string {
	return fmt.Sprintf(
		"PREVIOUS_QUESTION: %s\nPREVIOUS_ANSWER: %s\nCURRENT_QUESTION: %s",
		turn.previousPrompt,
		turn.previousAnswer,
		turn.question,
	)
}

func answerContext(pages []domain.RouteDescriptor) []contextRoute {
	out := make([]contextRoute, 0, len(pages))
	for _, p := range pages {
		r := contextRoute{
			URL:         p.URL,
			Title:       p.Title,
			Description: p.Description,
			Sections:    make([]contextSection, 0, len(p.Sections)),
		}
		for _, s := range p.Sections {
			r.Sections = append(r.Sections, contextSection(s))
		}
		out = append(out, r)
	}
	return out
}

// mustJSON renders prompt data. The inputs are plain structs of strings, so
// marshalling cannot fail.
func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(fmt.Sprintf("usecase: marshal prompt data: %v", err))
	}
	return string(b)
}
