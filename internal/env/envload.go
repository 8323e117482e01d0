// Package env loads the agent's .env file once per process.
package env

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	// FileEnv names an explicit .env path and disables the search.
	FileEnv = "LAB_ENV_FILE"
	// HomeDirName is the per-user agent directory, also home of the default SQLite file.
	HomeDirName = ".labagent"
)

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads the agent's .env file. Variables already set in the process
// win over the file. Only the first call does any work, and it is a no-op
// under go test unless GOTEST_LOAD_DOTENV=1.
func Ensure() error {
	if underGoTest(os.Args) && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		wd, _ := os.Getwd()
		home, _ := os.UserHomeDir()
		path, err := Resolve(os.Getenv(FileEnv), wd, home)
		if err != nil {
			loadErr = err
			log.Warn().Err(err).Msg("resolve agent .env failed")
			return
		}
		if path == "" {
			return
		}
		if err := godotenv.Load(path); err != nil {
			loadErr = err
			log.Warn().Err(err).Str("dotenv", path).Msg("load agent .env failed")
			return
		}
		loadedPath = path
		log.Debug().Str("dotenv", path).Msg("agent .env loaded")
	})
	return loadErr
}

// LoadedPath returns the .env path loaded by Ensure, or "".
func LoadedPath() string {
	return loadedPath
}

// Resolve picks the .env file to load. An explicit path must exist. Without
// one, the nearest .env from wd up to the root wins, then ~/.labagent/.env.
// It returns "" when there is nothing to load.
func Resolve(explicit, wd, home string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}
	var candidates []string
	if wd != "" {
		for dir := wd; ; dir = filepath.Dir(dir) {
			candidates = append(candidates, filepath.Join(dir, ".env"))
			if filepath.Dir(dir) == dir {
				break
			}
		}
	}
	if home != "" {
		candidates = append(candidates, filepath.Join(home, HomeDirName, ".env"))
	}
	for _, candidate := range candidates {
		ok, err := isFile(candidate)
		if err != nil {
			return "", err
		}
		if ok {
			return candidate, nil
		}
	}
	return "", nil
}

func isFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

func underGoTest(args []string) bool {
	if len(args) == 0 {
		return false
	}
	if strings.HasSuffix(args[0], ".test") {
		return true
	}
	for _, arg := range args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}
