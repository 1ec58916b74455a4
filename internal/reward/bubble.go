package reward

import "strings"

const (
	BubbleNormal  = "normal"
	BubbleLove    = "love"
	BubbleLucky   = "lucky"
	BubbleDefault = "default" // cleared wish
)

var (
	loveKeywords  = []string{"รัก", "love", "heart", "<3", "แฟน"}
	luckyKeywords = []string{"รวย", "เงิน", "ทอง", "luck", "gacha", "rich", "money"}
)

// BubbleStyle picks the speech bubble for a wish from keyword matches.
func BubbleStyle(wish string) string {
	if wish == "" {
		return BubbleNormal
	}
	text := strings.ToLower(wish)
	for _, k := range loveKeywords {
		if strings.Contains(text, k) {
			return BubbleLove
		}
	}
	for _, k := range luckyKeywords {
		if strings.Contains(text, k) {
			return BubbleLucky
		}
	}
	return BubbleNormal
}
