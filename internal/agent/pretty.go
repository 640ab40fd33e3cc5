package agent

import (
	"strings"
	"unicode"
)

const prettyWidth = 80

// roleTitle 消息角色 → 标题行文字。
func roleTitle(role string) string {
	switch strings.ToLower(role) {
	case RoleUser, "human":
		return "Human Message"
	case RoleAssistant, "ai":
		return "Ai Message"
	case RoleSystem:
		return "System Message"
	case RoleTool:
		return "Tool Message"
	case "":
		return "Message"
	default:
		r := []rune(strings.ToLower(role))
		r[0] = unicode.ToUpper(r[0])
		return string(r) + " Message"
	}
}

// Pretty 渲染为带标题分隔线的可读文本:
//
//	================================ Human Message =================================
//
//	Given ...
func (m Message) Pretty() string {
	title := " " + roleTitle(m.Role) + " "
	pad := prettyWidth - len(title)
	if pad < 2 {
		pad = 2
	}
	left := pad / 2
	var b strings.Builder
	b.WriteString(strings.Repeat("=", left))
	b.WriteString(title)
	b.WriteString(strings.Repeat("=", pad-left))
	if m.Name != "" {
		b.WriteString("\nName: ")
		b.WriteString(m.Name)
	}
	b.WriteString("\n\n")
	b.WriteString(m.Content)
	return b.String()
}
