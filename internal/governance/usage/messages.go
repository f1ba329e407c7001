package usage

import (
	"strings"
)

// MessageTemplate holds the user-facing copy for governance rejections.
// Placeholders: {feature} is the feature label, {period} the limit period.
type MessageTemplate struct {
	Restricted   string
	LimitReached string
	NextSteps    []string
}

var featureLabels = map[Feature]string{
	FeatureCVJobDuties:       "CV job duties",
	FeatureSupportingInfo:    "supporting information",
	FeatureCoverLetter:       "cover letter",
	FeatureInterviewPractice: "interview practice",
	FeatureQAGenerator:       "Q&A generator",
}

// Label returns the human-readable name of f.
func (f Feature) Label() string {
	if label, ok := featureLabels[f]; ok {
		return label
	}
	return strings.ReplaceAll(string(f), "_", " ")
}

var defaultMessages = MessageTemplate{
	Restricted:   "Your access to {feature} generation is temporarily restricted.",
	LimitReached: "You have reached your {period} limit for {feature} generation.",
	NextSteps: []string{
		"Wait for your usage to reset before trying again.",
		"Review and edit the content you have already generated.",
	},
}

var featureMessages = map[Feature]MessageTemplate{
	FeatureCVJobDuties: {
		Restricted:   "AI help for writing CV job duties is paused for a while because of unusually high use.",
		LimitReached: "You have used all of your {period} AI suggestions for CV job duties.",
		NextSteps: []string{
			"Write or refine your job duties by hand in the meantime.",
			"Focus on the duties that best match the role you are applying for.",
			"Your suggestions will be available again once your {period} allowance resets.",
		},
	},
}

// MessagesFor returns the templates for f, falling back to the generic copy.
func MessagesFor(f Feature) MessageTemplate {
	if tmpl, ok := featureMessages[f]; ok {
		return tmpl
	}
	return defaultMessages
}

func render(s string, f Feature, p Period) string {
	return strings.NewReplacer("{feature}", f.Label(), "{period}", string(p)).Replace(s)
}

func renderAll(steps []string, f Feature, p Period) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = render(s, f, p)
	}
	return out
}
