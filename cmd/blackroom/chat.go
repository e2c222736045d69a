package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/blackroom/blackroom-client/internal/app"
)

func chatLoop(ctx context.Context, s *app.Session) error {
	id := s.Identity()
	fmt.Printf("Joined %s as %s. Type messages and press Enter, /help for commands.\n", s.Room(), id.Label)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := s.Exec(ctx, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}
