package log

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

var level = WARNING

type lineFormatter struct{}

// Format renders "LEVEL: message" with the level padded to five columns.
func (f *lineFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	lvl := strings.ToUpper(entry.Level.String())
	if len(lvl) > 5 {
		lvl = lvl[:4]
	}
	fmt.Fprintf(b, "%-5s: %s\n", lvl, entry.Message)
	return b.Bytes(), nil
}

func init() {
	log.SetOutput(os.Stderr)
	log.SetLevel(log.DebugLevel)
	log.SetFormatter(&lineFormatter{})
}

func Debugln(format string, v ...any) {
	print(DEBUG, format, v...)
}

func Infoln(format string, v ...any) {
	print(INFO, format, v...)
}

func Warnln(format string, v ...any) {
	print(WARNING, format, v...)
}

func Errorln(format string, v ...any) {
	print(ERROR, format, v...)
}

func Fatalln(format string, v ...any) {
	log.Fatalf(format, v...)
}

func Level() LogLevel {
	return level
}

func SetLevel(newLevel LogLevel) {
	level = newLevel
}

func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

func print(logLevel LogLevel, format string, v ...any) {
	if logLevel < level {
		return
	}

	payload := fmt.Sprintf(format, v...)
	switch logLevel {
	case INFO:
		log.Infoln(payload)
	case WARNING:
		log.Warnln(payload)
	case ERROR:
		log.Errorln(payload)
	case DEBUG:
		log.Debugln(payload)
	}
}
