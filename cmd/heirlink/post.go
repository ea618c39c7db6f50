package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	heirlink "github.com/heirlink/heirlink/sdk/golang"
)

var (
	postCaption string
	postOffline bool
)

func init() {
	postCmd.Flags().StringVar(&postCaption, "caption", "", "Post caption")
	postCmd.Flags().BoolVar(&postOffline, "offline", false, "Queue the post instead of publishing now")
	rootCmd.AddCommand(postCmd)
}

var postCmd = &cobra.Command{
	Use:   "post [--offline] [--caption text] <file>...",
	Short: "Publish a post with photos or videos",
	Long: "Upload the given media files and create a post. If the network is unreachable,\n" +
		"or --offline is set, the post is queued and published by 'heirlink queue replay'.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := absPaths(args)
		if err != nil {
			return err
		}

		s, err := requireSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		if !postOffline {
			post, err := publish(ctx, s.app.Client, postCaption, paths)
			if err == nil {
				fmt.Fprintf(out, "Post published: %s\n", post.ID)
				return nil
			}
			if !errors.Is(err, heirlink.ErrNetworkUnreachable) {
				return fmt.Errorf("publish failed: %w", err)
			}
			fmt.Fprintln(os.Stderr, "Network unreachable, queueing the post.")
		}

		item, err := s.app.Queue.EnqueuePost(ctx, postCaption, paths)
		if err != nil {
			return fmt.Errorf("failed to queue post: %w", err)
		}
		fmt.Fprintf(out, "Post queued: %s\n", item.ID)
		return nil
	},
}

// publish uploads every file and creates the post.
func publish(ctx context.Context, client *heirlink.Client, caption string, paths []string) (*heirlink.Post, error) {
	media := make([]heirlink.PostMedia, 0, len(paths))
	for _, path := range paths {
		up, err := client.Files.UploadFile(ctx, path, "posts")
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", filepath.Base(path), err)
		}
		media = append(media, heirlink.PostMedia{URL: up.URL, Type: heirlink.MediaKindOf(path)})
	}
	return client.Posts.Create(ctx, &heirlink.CreatePostRequest{Caption: caption, Media: media})
}

// absPaths resolves and checks the media paths. Queued items outlive the
// working directory, so they are stored absolute.
func absPaths(args []string) ([]string, error) {
	paths := make([]string, 0, len(args))
	for _, arg := range args {
		p, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", arg, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", arg)
		}
		paths = append(paths, p)
	}
	return paths, nil
}
