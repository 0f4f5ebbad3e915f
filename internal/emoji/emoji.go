// Package emoji provides the demo text-to-emoji generator backing the
// generation endpoint. Lookups are local and deterministic; no model call
// happens here.
package emoji

import "strings"

// DefaultEmoji is returned when the input matches no known word.
const DefaultEmoji = "✨"

var emojiMap = map[string]string{
	// Animals
	"cat": "🐱", "dog": "🐶", "bird": "🐦", "fish": "🐟",
	"rabbit": "🐰", "bear": "🐻", "tiger": "🐯", "lion": "🦁",
	"monkey": "🐵", "horse": "🐴", "cow": "🐮", "pig": "🐷",
	"mouse": "🐭", "frog": "🐸", "fox": "🦊", "wolf": "🐺",
	"elephant": "🐘", "panda": "🐼", "koala": "🐨", "penguin": "🐧",
	"chicken": "🐔", "duck": "🦆", "owl": "🦉", "butterfly": "🦋",
	"bee": "🐝", "snake": "🐍", "turtle": "🐢", "octopus": "🐙",
	"dolphin": "🐬", "whale": "🐳", "shark": "🦈", "crab": "🦀",

	// Nature
	"sun": "☀️", "moon": "🌙", "star": "⭐", "cloud": "☁️",
	"rain": "🌧️", "snow": "❄️", "rainbow": "🌈", "fire": "🔥",
	"water": "💧", "tree": "🌳", "flower": "🌸", "leaf": "🍃",
	"mountain": "⛰️", "ocean": "🌊",

	// Objects
	"heart": "❤️", "love": "💕", "home": "🏠", "car": "🚗",
	"plane": "✈️", "rocket": "🚀", "phone": "📱", "computer": "💻",
	"book": "📚", "music": "🎵", "camera": "📷", "gift": "🎁",
	"money": "💰", "key": "🔑", "clock": "🕐", "umbrella": "☂️",

	// Food
	"pizza": "🍕", "burger": "🍔", "cake": "🎂", "coffee": "☕",
	"beer": "🍺", "apple": "🍎", "banana": "🍌", "bread": "🍞",
	"rice": "🍚", "noodle": "🍜", "egg": "🥚", "cheese": "🧀",

	// Emotions
	"happy": "😊", "sad": "😢", "angry": "😠", "laugh": "😂",
	"cry": "😭", "cool": "😎", "sleep": "😴", "think": "🤔",
	"wink": "😉", "kiss": "😘",

	// Activities
	"run": "🏃", "swim": "🏊", "dance": "💃", "sing": "🎤",
	"game": "🎮", "football": "⚽", "basketball": "🏀",
	"work": "💼", "study": "📖", "travel": "🧳",
}

// Lookup returns the emoji mapped to the normalized text, or DefaultEmoji
// when no mapping exists. Matching is exact on the lowercased, trimmed input.
func Lookup(text string) string {
	if e, ok := emojiMap[strings.ToLower(strings.TrimSpace(text))]; ok {
		return e
	}
	return DefaultEmoji
}
