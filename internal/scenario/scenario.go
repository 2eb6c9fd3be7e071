// Package scenario holds the conversation catalog: the languages a learner
// can practise, the tutor persona and voice for each, and the topics a
// conversation can be about.
//
// [Catalog.Build] combines a language and a topic into a [Context], the
// immutable value a session is started (and resumed) with.
package scenario

import (
	"errors"
	"fmt"
	"strings"
)

// TopicPlaceholder is replaced by the topic title in a language's
// instruction template.
const TopicPlaceholder = "{topic}"

var (
	// ErrUnknownLanguage is returned by Build for a language not in the catalog.
	ErrUnknownLanguage = errors.New("scenario: unknown language")

	// ErrUnknownTopic is returned by Build for a topic ID not in the catalog.
	ErrUnknownTopic = errors.New("scenario: unknown topic")
)

// Language describes one practice language and its tutor persona.
type Language struct {
	// Name is the language name, e.g. "Japanese". Lookups are case-insensitive.
	Name string `yaml:"name" json:"name"`

	// Tutor is the persona's display name.
	Tutor string `yaml:"tutor" json:"tutor"`

	// Voice is the provider voice ID used for the tutor.
	Voice string `yaml:"voice" json:"voice"`

	// Instructions is the system-instruction template. Every occurrence of
	// [TopicPlaceholder] is replaced by the topic title.
	Instructions string `yaml:"instructions" json:"instructions"`
}

// Topic is one conversation subject.
type Topic struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description" json:"description"`
}

// Context is everything a session needs to know about the conversation it
// is running. It is a value: resuming a failed session reuses it unchanged.
type Context struct {
	Language     string
	Tutor        string
	TopicID      string
	TopicTitle   string
	Voice        string
	Instructions string
}

// Catalog lists the available languages and topics.
type Catalog struct {
	Languages []Language `yaml:"languages" json:"languages"`
	Topics    []Topic    `yaml:"topics" json:"topics"`
}

// Language returns the language entry matching name, ignoring case.
func (c Catalog) Language(name string) (Language, bool) {
	for _, l := range c.Languages {
		if strings.EqualFold(l.Name, name) {
			return l, true
		}
	}
	return Language{}, false
}

// Topic returns the topic with the given ID.
func (c Catalog) Topic(id string) (Topic, bool) {
	for _, t := range c.Topics {
		if t.ID == id {
			return t, true
		}
	}
	return Topic{}, false
}

// Build returns the scenario Context for a language and topic ID.
func (c Catalog) Build(language, topicID string) (Context, error) {
	lang, ok := c.Language(language)
	if !ok {
		return Context{}, fmt.Errorf("%w: %q", ErrUnknownLanguage, language)
	}
	topic, ok := c.Topic(topicID)
	if !ok {
		return Context{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topicID)
	}
	return Context{
		Language:     lang.Name,
		Tutor:        lang.Tutor,
		TopicID:      topic.ID,
		TopicTitle:   topic.Title,
		Voice:        lang.Voice,
		Instructions: strings.ReplaceAll(lang.Instructions, TopicPlaceholder, topic.Title),
	}, nil
}

// Validate checks the catalog for empty or duplicate entries. All problems
// are reported together.
func (c Catalog) Validate() error {
	var errs []error
	if len(c.Languages) == 0 {
		errs = append(errs, errors.New("scenario: at least one language is required"))
	}
	if len(c.Topics) == 0 {
		errs = append(errs, errors.New("scenario: at least one topic is required"))
	}

	seenLang := make(map[string]bool)
	for i, l := range c.Languages {
		key := strings.ToLower(l.Name)
		switch {
		case l.Name == "":
			errs = append(errs, fmt.Errorf("scenario: languages[%d]: name is required", i))
		case seenLang[key]:
			errs = append(errs, fmt.Errorf("scenario: languages[%d]: duplicate language %q", i, l.Name))
		}
		seenLang[key] = true
		if l.Instructions == "" {
			errs = append(errs, fmt.Errorf("scenario: languages[%d]: instructions are required", i))
		}
	}

	seenTopic := make(map[string]bool)
	for i, t := range c.Topics {
		switch {
		case t.ID == "":
			errs = append(errs, fmt.Errorf("scenario: topics[%d]: id is required", i))
		case seenTopic[t.ID]:
			errs = append(errs, fmt.Errorf("scenario: topics[%d]: duplicate topic %q", i, t.ID))
		}
		seenTopic[t.ID] = true
		if t.Title == "" {
			errs = append(errs, fmt.Errorf("scenario: topics[%d]: title is required", i))
		}
	}
	return errors.Join(errs...)
}

// Default returns the built-in catalog.
func Default() Catalog {
	return Catalog{
		Languages: []Language{
			{
				Name:  "English",
				Tutor: "Alex",
				Voice: "Zephyr",
				Instructions: "You are a friendly male English tutor named Alex. Use a natural American accent. " +
					"Start by introducing the topic: {topic}. If the user makes pronunciation or grammar errors, " +
					"provide brief, helpful corrections after their sentence. Be encouraging.",
			},
			{
				Name:  "Japanese",
				Tutor: "Hana (ハナ)",
				Voice: "Kore",
				Instructions: "あなたは『ハナ』という名前の親切な女性の日本語教師です。トピック『{topic}』について会話を始めましょう。" +
					"ユーザーの日本語に誤りがあれば、優しく訂正してください。日本の文化に触れながら、丁寧な言葉遣いで話してください。",
			},
			{
				Name:  "Chinese",
				Tutor: "Teacher Li (李老师)",
				Voice: "Puck",
				Instructions: "你是一位名叫『李老师』的专业中文导师（男）。让我们开始讨论主题：{topic}。请使用标准的普通话。" +
					"如果用户发音不准或语法有误，请在他们说完后给予纠正。语气要随和、有耐心。",
			},
		},
		Topics: []Topic{
			{ID: "intro", Title: "Self Introduction", Description: "Practice introducing yourself to new people."},
			{ID: "travel", Title: "Travel & Tourism", Description: "Book a hotel or ask for directions in a new city."},
			{ID: "dining", Title: "Dining Out", Description: "Order food and talk about your dietary preferences."},
			{ID: "business", Title: "Business Meeting", Description: "Professional conversation and negotiation practice."},
			{ID: "hobbies", Title: "Hobbies & Interests", Description: "Talk about what you love doing in your free time."},
			{ID: "shopping", Title: "Shopping", Description: "Ask for prices, sizes, and negotiate at a local market."},
			{ID: "interview", Title: "Job Interview", Description: "Prepare for your dream career with professional Q&A."},
			{ID: "medical", Title: "At the Doctor", Description: "Learn how to describe symptoms and understand medical advice."},
			{ID: "tech", Title: "Technology & AI", Description: "Discuss the latest innovations and digital trends."},
			{ID: "weather", Title: "Weather & Nature", Description: "Talk about seasons, climate, and outdoor activities."},
			{ID: "family", Title: "Family & Home", Description: "Describe your family members and daily home life."},
			{ID: "culture", Title: "Arts & Culture", Description: "Discuss films, music, traditions, and exhibitions."},
		},
	}
}
