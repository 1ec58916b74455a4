package twitch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// EventSub message types, from the Twitch-Eventsub-Message-Type header.
const (
	MessageVerification = "webhook_callback_verification"
	MessageNotification = "notification"
	MessageRevocation   = "revocation"

	HeaderMessageType = "Twitch-Eventsub-Message-Type"
	HeaderMessageID   = "Twitch-Eventsub-Message-Id"

	RedemptionAdd = "channel.channel_points_custom_reward_redemption.add"
)

var ErrBadPayload = errors.New("malformed eventsub payload")

// Action is what a reward title asks the overlay to do.
type Action string

const (
	ActionNone    Action = ""
	ActionSpawn   Action = "spawn"
	ActionWish    Action = "wish"
	ActionSkin    Action = "skin"
	ActionRunLeft Action = "run_left"
	ActionJumpAll Action = "jump_all"
)

// rewardTitles are matched as substrings of the lower-cased title, in order.
var rewardTitles = []struct {
	fragment string
	action   Action
}{
	{"spawn reindeer", ActionSpawn},
	{"make a wish", ActionWish},
	{"change skin", ActionSkin},
	{"run left", ActionRunLeft},
	{"jump all", ActionJumpAll},
}

// MatchReward maps a channel point reward title to an Action.
func MatchReward(title string) Action {
	t := strings.ToLower(title)
	for _, r := range rewardTitles {
		if strings.Contains(t, r.fragment) {
			return r.action
		}
	}
	return ActionNone
}

// Redemption is the part of a redemption notification the overlay uses.
type Redemption struct {
	SubscriptionType string
	UserLogin        string
	UserName         string
	Input            string
	RewardTitle      string
}

// Challenge extracts the verification challenge to echo back.
func Challenge(body []byte) (string, error) {
	c := gjson.GetBytes(body, "challenge")
	if !c.Exists() || c.String() == "" {
		return "", fmt.Errorf("%w: missing challenge", ErrBadPayload)
	}
	return c.String(), nil
}

// ParseRedemption decodes a notification body.
func ParseRedemption(body []byte) (Redemption, error) {
	if !gjson.ValidBytes(body) {
		return Redemption{}, fmt.Errorf("%w: invalid json", ErrBadPayload)
	}
	r := Redemption{
		SubscriptionType: gjson.GetBytes(body, "subscription.type").String(),
		UserLogin:        gjson.GetBytes(body, "event.user_login").String(),
		UserName:         gjson.GetBytes(body, "event.user_name").String(),
		Input:            gjson.GetBytes(body, "event.user_input").String(),
		RewardTitle:      gjson.GetBytes(body, "event.reward.title").String(),
	}
	if r.UserLogin == "" {
		r.UserLogin = r.UserName
	}
	if r.UserName == "" {
		r.UserName = r.UserLogin
	}
	if r.UserLogin == "" || r.RewardTitle == "" {
		return Redemption{}, fmt.Errorf("%w: missing user or reward title", ErrBadPayload)
	}
	return r, nil
}
