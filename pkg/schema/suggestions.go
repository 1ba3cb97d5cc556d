package schema

const maxSuggestions = 3

var categorySuggestions = map[Category][]string{
	CategoryNetwork:     {"Check the network connection", "Try again in a few moments"},
	CategoryExternalAPI: {"The external service may be degraded; try again later", "Check the service status page"},
	CategoryRateLimit:   {"Wait a minute before retrying", "Reduce the request rate"},
	CategoryAuth:        {"Reconnect the account", "Verify the credentials are still valid"},
	CategoryPermission:  {"Grant the missing permission", "Ask the account owner for access"},
	CategoryValidation:  {"Check the request input", "Correct the invalid fields and resubmit"},
	CategoryUserInput:   {"Rephrase the request", "Provide the missing details"},
	CategoryDatabase:    {"Try again in a few moments", "Contact support if the problem persists"},
	CategoryLLM:         {"Try again with a shorter request", "Try again in a few moments"},
	CategorySystem:      {"Try again in a few moments", "Contact support if the problem persists"},
}

var codeSuggestions = map[string]string{
	ErrCodeTimeout:       "Try a smaller request or retry later",
	ErrCodeCircuitOpen:   "The workflow is paused after repeated failures; retry later",
	ErrCodeResourceLimit: "Reduce the amount of work in a single request",
	ErrCodeCancelled:     "Start the workflow again if it is still needed",
}

// SuggestedActions returns up to three user-facing next steps for an error.
func SuggestedActions(code string, category Category) []string {
	out := make([]string, 0, maxSuggestions)
	if s, ok := codeSuggestions[code]; ok {
		out = append(out, s)
	}
	list, ok := categorySuggestions[category]
	if !ok {
		list = categorySuggestions[CategorySystem]
	}
	for _, s := range list {
		if len(out) == maxSuggestions {
			break
		}
		out = append(out, s)
	}
	return out
}
