package rabbitmq

import "strings"

// MatchRoutingKey reports whether key matches pattern using AMQP topic
// syntax: words are separated by dots, "*" matches exactly one word and "#"
// matches zero or more words.
func MatchRoutingKey(pattern, key string) bool {
	if pattern == "#" {
		return true
	}
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			// Collapse consecutive hashes.
			for len(pattern) > 1 && pattern[1] == "#" {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
