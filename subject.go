package courier

import "strings"

// Subjects are dot-separated token hierarchies. "*" matches exactly one
// token and ">" matches one or more trailing tokens; both must occupy a full
// token. Wildcard matching itself is the broker's job - the client only
// validates shape.

// validSubject reports whether subj is well formed for a subscription
// (wildcards allowed).
func validSubject(subj string) bool {
	if subj == "" {
		return false
	}
	tokens := strings.Split(subj, ".")
	for i, tok := range tokens {
		switch tok {
		case "":
			return false
		case "*":
			// full-token wildcard, any position
		case ">":
			if i != len(tokens)-1 {
				return false
			}
		default:
			if strings.ContainsAny(tok, " \t\r\n*>") {
				return false
			}
		}
	}
	return true
}

// validLiteralSubject reports whether subj is well formed for publishing:
// a valid subject with no wildcard tokens.
func validLiteralSubject(subj string) bool {
	if !validSubject(subj) {
		return false
	}
	return !strings.ContainsAny(subj, "*>")
}

// validQueueName reports whether q is a usable queue group label.
func validQueueName(q string) bool {
	return q != "" && !strings.ContainsAny(q, " \t\r\n.*>")
}
