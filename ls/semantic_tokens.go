package ls

import "go.bug.st/lsp"

// SemanticToken is a decoded entry of a semantic tokens response.
type SemanticToken struct {
	Line      int
	Character int
	Length    int
	Type      string
	Modifiers []string
}

// DecodeSemanticTokens expands the relative encoding used on the wire
// (5 integers per token) into absolute positions. Type and modifier names
// come from legend; without a legend they are left empty.
func DecodeSemanticTokens(data []int, legend *lsp.SemanticTokensLegend) []SemanticToken {
	res := make([]SemanticToken, 0, len(data)/5)
	line, char := 0, 0
	for i := 0; i+4 < len(data); i += 5 {
		deltaLine, deltaChar := data[i], data[i+1]
		if deltaLine > 0 {
			line += deltaLine
			char = deltaChar
		} else {
			char += deltaChar
		}
		token := SemanticToken{Line: line, Character: char, Length: data[i+2]}
		if legend != nil {
			if t := data[i+3]; t >= 0 && t < len(legend.TokenTypes) {
				token.Type = legend.TokenTypes[t]
			}
			for bit, name := range legend.TokenModifiers {
				if data[i+4]&(1<<uint(bit)) != 0 {
					token.Modifiers = append(token.Modifiers, name)
				}
			}
		}
		res = append(res, token)
	}
	return res
}
