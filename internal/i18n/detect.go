package i18n

import (
	"net/http"

	"golang.org/x/text/language"
)

var matcher = language.NewMatcher([]language.Tag{
	language.AmericanEnglish, // first entry is the default
	language.SimplifiedChinese,
})

// DetectLang 从 Accept-Language 推断语言，默认 en-US
func DetectLang(r *http.Request) Lang {
	al := r.Header.Get("Accept-Language")
	if al == "" {
		return EN_US
	}
	tags, _, err := language.ParseAcceptLanguage(al)
	if err != nil || len(tags) == 0 {
		return EN_US
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return EN_US
	}
	if idx == 1 {
		return ZH_CN
	}
	return EN_US
}
