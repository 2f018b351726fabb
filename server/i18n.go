package server

import (
	"embed"
	"fmt"
	"path"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/text/language"
)

//go:embed locales/*.toml
var locales embed.FS

type translator struct {
	bundle *i18n.Bundle
}

func newTranslator() (*translator, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	entries, err := locales.ReadDir("locales")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		name := path.Join("locales", entry.Name())
		data, err := locales.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := bundle.ParseMessageFileBytes(data, name); err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
	}
	return &translator{bundle: bundle}, nil
}

// message renders id in the best language for an Accept-Language header,
// falling back to English.
func (t *translator) message(acceptLanguage, id string, data map[string]string) string {
	tags, _, _ := language.ParseAcceptLanguage(acceptLanguage)
	langs := make([]string, 0, len(tags))
	for _, tag := range tags {
		langs = append(langs, tag.String())
	}

	msg, err := i18n.NewLocalizer(t.bundle, langs...).Localize(&i18n.LocalizeConfig{
		MessageID:    id,
		TemplateData: data,
	})
	if err != nil {
		return id
	}
	return msg
}
