package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	offline "github.com/mnaz/restaurant-offline"
)

var (
	filterCuisine      string
	filterNeighborhood string
	reviewName         string
	reviewRating       int
	reviewComments     string
)

func init() {
	restaurantsListCmd.Flags().StringVar(&filterCuisine, "cuisine", "all", "cuisine to filter by")
	restaurantsListCmd.Flags().StringVar(&filterNeighborhood, "neighborhood", "all", "neighborhood to filter by")
	restaurantsCmd.AddCommand(restaurantsListCmd, restaurantsShowCmd, favoriteCmd, unfavoriteCmd)

	reviewsAddCmd.Flags().StringVar(&reviewName, "name", "", "reviewer name")
	reviewsAddCmd.Flags().IntVar(&reviewRating, "rating", 0, "rating from 1 to 5")
	reviewsAddCmd.Flags().StringVar(&reviewComments, "comments", "", "review text")
	_ = reviewsAddCmd.MarkFlagRequired("name")
	_ = reviewsAddCmd.MarkFlagRequired("rating")
	reviewsCmd.AddCommand(reviewsListCmd, reviewsAddCmd)

	rootCmd.AddCommand(restaurantsCmd, reviewsCmd)
}

func parseRestaurantID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid restaurant id %q", arg)
	}
	return id, nil
}

// ============================================================================
// restaurants
// ============================================================================

var restaurantsCmd = &cobra.Command{
	Use:   "restaurants",
	Short: "Browse restaurants through the worker",
}

var restaurantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List restaurants, optionally filtered",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		list, err := getClient().RestaurantsBy(ctx, filterCuisine, filterNeighborhood)
		if err != nil {
			return err
		}
		for _, r := range list {
			fav := " "
			if r.IsFavorite {
				fav = "*"
			}
			fmt.Printf("%s %3d  %-32s %-14s %s\n", fav, r.ID, r.Name, r.CuisineType, r.Neighborhood)
		}
		return nil
	},
}

var restaurantsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one restaurant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRestaurantID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		r, err := getClient().Restaurant(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(r)
	},
}

var favoriteCmd = &cobra.Command{
	Use:   "favorite <id>",
	Short: "Mark a restaurant as favorite",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setFavorite(args[0], true) },
}

var unfavoriteCmd = &cobra.Command{
	Use:   "unfavorite <id>",
	Short: "Clear the favorite flag of a restaurant",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setFavorite(args[0], false) },
}

func setFavorite(arg string, favorite bool) error {
	id, err := parseRestaurantID(arg)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()
	res, err := getClient().ToggleFavorite(ctx, id, favorite)
	if err != nil {
		return err
	}
	printWriteResult(res)
	return nil
}

// ============================================================================
// reviews
// ============================================================================

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "Read and post restaurant reviews",
}

var reviewsListCmd = &cobra.Command{
	Use:   "list <restaurant-id>",
	Short: "List the reviews of a restaurant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRestaurantID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		reviews, err := getClient().ReviewsFor(ctx, id)
		if err != nil {
			return err
		}
		if len(reviews) == 0 {
			fmt.Println("No reviews yet.")
			return nil
		}
		for _, r := range reviews {
			pending := ""
			if r.Pending() {
				pending = "  (" + offline.StorageLocalValue + ")"
			}
			fmt.Printf("%s  %s/5%s\n  %s\n\n", r.Name, r.Rating, pending, r.Comments)
		}
		return nil
	},
}

var reviewsAddCmd = &cobra.Command{
	Use:   "add <restaurant-id>",
	Short: "Post a review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRestaurantID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		res, err := getClient().AddReview(ctx, offline.ReviewInput{
			RestaurantID: id,
			Name:         reviewName,
			Rating:       reviewRating,
			Comments:     reviewComments,
		})
		if err != nil {
			return err
		}
		printWriteResult(res)
		return nil
	},
}

func printWriteResult(res *offline.WriteResult) {
	if res.Deferred {
		fmt.Printf("Offline: saved locally, will be sent when the connection returns (%s)\n", res.CorrelationID)
		return
	}
	fmt.Printf("Saved (HTTP %d)\n", res.Status)
}
