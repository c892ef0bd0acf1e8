package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/analysis/analysistest"
)

func writePackage(t *testing.T, root, name, code string) {
	t.Helper()
	dir := filepath.Join(root, "src", name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".go"), []byte(code), 0o644))
}

func TestAnalyzer(t *testing.T) {
	testdata := t.TempDir()

	writePackage(t, testdata, "a", `package a

import (
	"log"
	"os"
)

type sugared struct{}

func (sugared) Fatalw(msg string, kv ...any) {}
func (sugared) Infow(msg string, kv ...any)  {}

func BadPanic() {
	panic("error") // want "использование встроенной функции panic"
}

func BadFatal() {
	log.Fatal("error") // want "вызов log.Fatal вне функции main пакета main"
}

func BadFatalf() {
	log.Fatalf("error: %v", "something") // want "вызов log.Fatalf вне функции main пакета main"
}

func BadExit() {
	os.Exit(1) // want "вызов os.Exit вне функции main пакета main"
}

func BadLoggerFatal(s sugared) {
	s.Fatalw("collector failed", "shard", 1) // want "вызов метода Fatalw вне функции main пакета main"
}

func GoodLogger(s sugared) {
	s.Infow("collected")
	log.Println("info message")
}
`)

	writePackage(t, testdata, "b", `package main

import "log"

type sugared struct{}

func (sugared) Fatalw(msg string, kv ...any) {}

func main() {
	var s sugared
	s.Fatalw("startup failed")
	log.Fatal("config error")
}

func run() {
	log.Fatalln("error") // want "вызов log.Fatalln вне функции main пакета main"
}
`)

	analysistest.Run(t, testdata, Analyzer, "a", "b")
}
