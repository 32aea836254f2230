package optimistic

import "github.com/wilhg/pantrysync/pkg/store"

// Payload shapes the household rules rely on. Only fields the transforms read
// are declared; everything else passes through untouched.
type (
	FridgeItemCreate struct {
		FoodName string `json:"foodName"`
		Quantity any    `json:"quantity,omitempty"`
	}
	FridgeItemUpdate struct {
		ItemID      string `json:"itemId"`
		NewQuantity any    `json:"newQuantity,omitempty"`
	}
	FridgeItemDelete struct {
		FoodName string `json:"foodName"`
	}
	RecipeCreate struct {
		Title string `json:"title,omitempty"`
	}
	ShoppingItemCreate struct {
		Name string `json:"name,omitempty"`
	}
)

const (
	fridgeKey   = "/fridge/"
	recipeKey   = "/recipe/"
	shoppingKey = "/shopping/"
)

// HouseholdRules returns the rule table for the household backend.
func HouseholdRules() []Rule {
	return []Rule{
		{
			Prefix: fridgeKey, Exact: true, Method: store.KindCreate,
			Schema: SchemaFor[FridgeItemCreate](),
			Transform: Append(func(el Item, m Mutation) {
				el["foodId"] = map[string]any{"name": m.Str("foodName"), "image": nil}
			}),
		},
		{
			Prefix: fridgeKey, Exact: true, Method: store.KindUpdate,
			Schema:    SchemaFor[FridgeItemUpdate](),
			Transform: Merge(PayloadKey("itemId"), map[string]string{"newQuantity": "quantity"}),
		},
		{
			Prefix: fridgeKey, Exact: true, Method: store.KindDelete,
			Schema: SchemaFor[FridgeItemDelete](),
			Transform: Remove(func(el Item, m Mutation) bool {
				food, ok := el["foodId"].(map[string]any)
				return ok && food["name"] == m.Str("foodName")
			}),
		},
		{
			Prefix: recipeKey, Exact: true, Method: store.KindCreate,
			Schema:    SchemaFor[RecipeCreate](),
			Transform: Append(nil),
		},
		{
			Prefix: recipeKey, Method: store.KindUpdate, Target: recipeKey,
			Transform: Merge(PathSegment(2), nil),
		},
		{
			Prefix: recipeKey, Method: store.KindDelete, Target: recipeKey,
			Transform: Remove(IDEquals(PathSegment(2))),
		},
		{
			Prefix: shoppingKey, Exact: true, Method: store.KindCreate,
			Schema:    SchemaFor[ShoppingItemCreate](),
			Transform: Append(nil),
		},
		{
			Prefix: shoppingKey, Method: store.KindDelete, Target: shoppingKey,
			Transform: Remove(IDEquals(PathSegment(2))),
		},
	}
}
