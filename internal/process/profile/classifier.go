package profile

import (
	"github.com/perceptlab/percept/internal/core/domain"
	"github.com/perceptlab/percept/internal/core/fulltext"
)

// typeKeywords drives the lightweight component-type classifier. An
// observation's tokens vote for the type with the most keyword hits; ties
// resolve in the stable ComponentTypes order and no hits default to
// domain expertise, the broadest bucket.
var typeKeywords = map[domain.ComponentType][]string{
	domain.ComponentCommunicationStyle: {
		"writing", "tone", "style", "email", "message", "reply", "phrasing",
		"formal", "casual", "brevity", "voice",
	},
	domain.ComponentDomainExpertise: {
		"architecture", "engineering", "research", "design", "analysis",
		"programming", "science", "finance", "medicine", "law", "history",
	},
	domain.ComponentPriorityFocus: {
		"deadline", "urgent", "priority", "goal", "milestone", "launch",
		"roadmap", "okr", "sprint", "focus",
	},
	domain.ComponentCognitivePattern: {
		"diagram", "visual", "example", "analogy", "summary", "outline",
		"step", "detail", "abstract", "concrete",
	},
	domain.ComponentValueSystem: {
		"privacy", "ethics", "quality", "safety", "sustainability",
		"transparency", "fairness", "principle", "trust",
	},
	domain.ComponentContextPreference: {
		"morning", "evening", "mobile", "desktop", "office", "remote",
		"commute", "weekend", "timezone",
	},
	domain.ComponentLearningPattern: {
		"tutorial", "course", "book", "practice", "exercise", "lecture",
		"video", "reading", "studying", "learning",
	},
}

// classifyComponentType assigns one of the seven component types from the
// observation's tags, enhanced tags, topics, and highlight tokens.
func classifyComponentType(obs *domain.Observation) domain.ComponentType {
	votes := make(map[string]bool)

	for _, tag := range obs.Tags {
		votes[fulltext.FoldText(tag)] = true
	}

	for _, tag := range obs.EnhancedTags {
		votes[fulltext.FoldText(tag)] = true
	}

	for _, topic := range obs.Semantics.Topics {
		votes[fulltext.FoldText(topic)] = true
	}

	for _, token := range fulltext.Tokenize(fulltext.FoldText(obs.Highlight)) {
		votes[token] = true
	}

	best := domain.ComponentDomainExpertise
	bestScore := 0

	for _, componentType := range domain.ComponentTypes {
		score := 0

		for _, keyword := range typeKeywords[componentType] {
			if votes[keyword] {
				score++
			}
		}

		if score > bestScore {
			best = componentType
			bestScore = score
		}
	}

	return best
}
