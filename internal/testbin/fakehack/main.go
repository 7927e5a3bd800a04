// Command fakehack imitates the start, play and quit prompts of the 1984
// game closely enough to exercise the session driver. FAKEHACK_MODE selects
// the behaviour:
//
//   - clean (default): negotiate, accept keys, quit on Q then y, exit 0
//   - gameplay: like clean but prints death and score text before exiting 0
//   - name: asks "Who are you?" instead of the experience question
//   - more: the first Q raises a --More-- that must be dismissed
//   - asan-log: exits 0 after writing a report to the ASAN_OPTIONS log_path
//   - asan-stderr: prints an AddressSanitizer report and exits 1
//   - die: exits 0 a few keys into play, as if the character died
//   - segv: dies from SIGSEGV a few keys into play
//   - hang: never prompts and ignores SIGTERM
//   - quit-hang: ignores Q so quit negotiation never completes
//   - quit-hangup: ignores Q; SIGTERM or SIGHUP saves and exits 1, like the
//     game's hangup handler
//   - save-fail: refuses the S command with "Cannot open save file"
//   - early-exit: exits 0 before prompting
//
// In every other mode S writes save/<uid><label> under the working directory,
// prints "Be seeing you ..." and exits 0.
//
// FAKEHACK_ASAN_LABELS is a comma list of USER labels that behave as
// asan-log regardless of mode.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"
)

const keysBeforeDeath = 4

type game struct {
	mode    string
	label   string
	restore func()
	keys    int
}

func main() {
	g := &game{
		mode:    strings.TrimSpace(os.Getenv("FAKEHACK_MODE")),
		label:   os.Getenv("USER"),
		restore: func() {},
	}
	if g.mode == "" {
		g.mode = "clean"
	}
	for _, label := range strings.Split(os.Getenv("FAKEHACK_ASAN_LABELS"), ",") {
		if label = strings.TrimSpace(label); label != "" && label == g.label {
			g.mode = "asan-log"
		}
	}

	if state, err := term.MakeRaw(int(os.Stdin.Fd())); err == nil {
		g.restore = func() { _ = term.Restore(int(os.Stdin.Fd()), state) }
	}

	switch g.mode {
	case "hang":
		signal.Ignore(syscall.SIGTERM, syscall.SIGHUP)
		for {
			time.Sleep(time.Hour)
		}
	case "early-exit":
		g.print("hack: cannot open record file\r\n")
		g.exit(0)
	case "quit-hang":
		signal.Ignore(syscall.SIGTERM, syscall.SIGHUP)
	case "quit-hangup":
		hangups := make(chan os.Signal, 1)
		signal.Notify(hangups, syscall.SIGTERM, syscall.SIGHUP)
		go func() {
			<-hangups
			g.save()
			g.exit(1)
		}()
	}

	g.negotiate()
	g.board()
	g.play()
}

func (g *game) negotiate() {
	if g.mode == "name" {
		g.print("Who are you? ")
		g.readLine()
	} else {
		g.print("Are you an experienced player? [ny] ")
		if g.readKey() == 'y' {
			g.print("\r\nWho are you? ")
			g.readLine()
		} else {
			g.print("\r\nI'll choose a character for you.\r\n")
			g.print("This game you will be a Fighter.\r\nHit space to continue: ")
			g.waitSpace()
		}
	}
	g.print("\r\nHello " + g.label + ", welcome to the game!--More--")
	g.waitSpace()
}

func (g *game) board() {
	g.print("\x1b[H\x1b[2J")
	g.print("        -----------\r\n        |.........|\r\n        |....@....|\r\n        -----------\r\n")
	g.print("\x1b[24;1HDlvl: 1  Gold: 0  Hp: 12(12)  Str: 16  Ac: 6  Exp: 1/0")
}

func (g *game) play() {
	moreOnQuit := g.mode == "more"
	for {
		key := g.readKey()
		g.keys++
		switch key {
		case 'Q':
			if g.mode == "quit-hang" || g.mode == "quit-hangup" {
				continue
			}
			if moreOnQuit {
				moreOnQuit = false
				g.print("\x1b[1;1HYou hear the footsteps of a guard on patrol.--More--")
				g.waitSpace()
				continue
			}
			g.print("\x1b[1;1HReally quit? [yn] ")
			if g.readKey() != 'y' {
				continue
			}
			g.finish()
		case 'i':
			g.print("\x1b[1;1Ha - a +1 two-handed sword (weapon in hands)\r\nb - a ring mail (being worn)\r\n--More--")
			g.waitSpace()
		case 'S':
			if g.mode == "save-fail" {
				g.print("\x1b[1;1HCannot open save file. (Continue or press Q to Quit)")
				g.waitSpace()
				break
			}
			g.save()
			g.print("\r\nBe seeing you ...\r\n")
			g.exit(0)
		case 'd':
			g.print("\x1b[1;1HWhat do you want to drop? [ab or ?*] ")
		default:
			g.print("\x1b[1;1H\x1b[K")
		}

		if g.keys >= keysBeforeDeath {
			switch g.mode {
			case "die":
				g.print("\x1b[1;1HYou die...\r\nGoodbye " + g.label + " the Fighter...\r\nYou had 37 points.\r\n")
				g.exit(0)
			case "segv":
				g.segv()
			}
		}
	}
}

func (g *game) finish() {
	g.print("\r\nGoodbye " + g.label + " the Fighter...\r\n")
	switch g.mode {
	case "gameplay":
		g.print("You die... killed by a giant rat on dungeon level 1.\r\n")
		g.print(" No  Points  Name\r\n  1     123  " + g.label + "-fighter died on level 1.\r\n")
	case "asan-log":
		g.writeSanitizerLog()
	case "asan-stderr":
		fmt.Fprintf(os.Stderr, "==%d==ERROR: AddressSanitizer: heap-use-after-free on address 0x602000000010\r\n", os.Getpid())
		fmt.Fprintf(os.Stderr, "SUMMARY: AddressSanitizer: heap-use-after-free hack.c:42 in dosave\r\n")
		g.exit(1)
	}
	g.exit(0)
}

func (g *game) save() {
	path := filepath.Join("save", fmt.Sprintf("%d%s", os.Getuid(), g.label))
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	_ = os.WriteFile(path, []byte("fakehack save\n"), 0o644)
}

func (g *game) writeSanitizerLog() {
	base := ""
	for _, option := range strings.Split(os.Getenv("ASAN_OPTIONS"), ":") {
		if value, ok := strings.CutPrefix(option, "log_path="); ok {
			base = value
		}
	}
	if base == "" {
		return
	}
	path := fmt.Sprintf("%s.%d", base, os.Getpid())
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	report := fmt.Sprintf("==%d==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x6020000000f1\n", os.Getpid())
	_ = os.WriteFile(path, []byte(report), 0o644)
}

// segv replaces the process with a shell that kills itself with SIGSEGV, so
// the pid the driver waits on dies from the signal.
func (g *game) segv() {
	g.restore()
	_ = syscall.Exec("/bin/sh", []string{"sh", "-c", "kill -SEGV $$"}, os.Environ())
	_ = syscall.Kill(os.Getpid(), syscall.SIGHUP)
	time.Sleep(time.Second)
	os.Exit(3)
}

func (g *game) print(text string) {
	_, _ = os.Stdout.WriteString(text)
}

func (g *game) readKey() byte {
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			g.exit(0)
		}
		if n == 1 {
			return buf[0]
		}
	}
}

func (g *game) readLine() string {
	var line []byte
	for {
		key := g.readKey()
		if key == '\r' || key == '\n' {
			return string(line)
		}
		line = append(line, key)
	}
}

func (g *game) waitSpace() {
	for {
		switch g.readKey() {
		case ' ', '\r', '\n', 0x1b:
			return
		}
	}
}

func (g *game) exit(code int) {
	g.restore()
	os.Exit(code)
}
