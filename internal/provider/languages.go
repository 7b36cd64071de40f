package provider

import (
	"fmt"
	"sort"
	"strings"
)

// ErrUnsupportedLanguage is returned when a language tag has no compiler
// mapping. User-fixable: the message lists the supported set.
type ErrUnsupportedLanguage struct {
	Language string
}

func (e *ErrUnsupportedLanguage) Error() string {
	return fmt.Sprintf("unsupported language: %q. Supported languages: %s",
		e.Language, strings.Join(SupportedLanguages(), ", "))
}

// compilers maps accepted language tags to the provider's compiler identifiers.
var compilers = map[string]string{
	"python":  "python-3.9.7",
	"python3": "python-3.9.7",
	"python2": "python-2.7.18",
	"c":       "gcc-4.9",
	"cpp":     "g++-4.9",
	"c++":     "g++-4.9",
	"java":    "openjdk-11",
	"csharp":  "dotnet-csharp-5",
	"c#":      "dotnet-csharp-5",
	"fsharp":  "dotnet-fsharp-5",
	"f#":      "dotnet-fsharp-5",
	"php":     "php-8.1",
	"ruby":    "ruby-3.0.2",
	"haskell": "haskell-9.2.7",
}

// CompilerFor resolves a language tag (case-insensitive) to the provider's
// compiler identifier.
func CompilerFor(language string) (string, error) {
	compiler, ok := compilers[strings.ToLower(language)]
	if !ok {
		return "", &ErrUnsupportedLanguage{Language: language}
	}
	return compiler, nil
}

// SupportedLanguages returns the accepted language tags in sorted order.
func SupportedLanguages() []string {
	languages := make([]string, 0, len(compilers))
	for lang := range compilers {
		languages = append(languages, lang)
	}
	sort.Strings(languages)
	return languages
}
