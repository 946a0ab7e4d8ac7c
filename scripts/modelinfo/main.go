// modelinfo prints a summary of a saved detector model file.
package main

import (
	"encoding/gob"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
)

// modelState covers both persisted detector formats: the classical baseline
// carries Count/Mean/M2, the neural network carries Sizes/Weights/Biases
// plus its input standardization. Field names must match the saved structs.
type modelState struct {
	Count int64
	Mean  []float64
	M2    []float64

	Sizes   []int
	Weights [][][]float64
	Biases  [][]float64
	Std     []float64
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./scripts/modelinfo/main.go <model_file>")
		os.Exit(1)
	}
	path := os.Args[1]

	file, err := os.Open(path)
	if err != nil {
		log.Fatalf("Unable to open file: %v", err)
	}
	defer file.Close()

	var state modelState
	if err := gob.NewDecoder(file).Decode(&state); err != nil {
		log.Fatalf("Failed to decode model file: %v", err)
	}

	switch {
	case len(state.Sizes) > 0:
		printNetwork(&state)
	case state.Count > 0:
		printBaseline(&state)
	default:
		log.Fatalf("%s holds neither a fitted baseline nor a network", path)
	}
}

func printNetwork(s *modelState) {
	fmt.Println("Neural detector model")
	fmt.Printf("  Layer sizes: %v\n", s.Sizes)

	params := 0
	for l := range s.Weights {
		for _, neuron := range s.Weights[l] {
			params += len(neuron)
		}
		params += len(s.Biases[l])
	}
	fmt.Printf("  Parameters: %d\n", params)
	fmt.Printf("  Standardized inputs: %d\n", len(s.Mean))
}

func printBaseline(s *modelState) {
	fmt.Println("Classical detector baseline")
	fmt.Printf("  Samples: %d\n", s.Count)
	fmt.Printf("  Dimensions: %d\n", len(s.Mean))

	// Rank dimensions by spread to show where the baseline carries signal.
	type dim struct {
		index int
		std   float64
	}
	dims := make([]dim, 0, len(s.M2))
	for i, m2 := range s.M2 {
		dims = append(dims, dim{i, math.Sqrt(m2 / float64(s.Count))})
	}
	sort.Slice(dims, func(a, b int) bool { return dims[a].std > dims[b].std })

	n := 5
	if len(dims) < n {
		n = len(dims)
	}
	fmt.Println("  Widest dimensions:")
	for _, d := range dims[:n] {
		fmt.Printf("    dim %2d: mean %.3f std %.3f\n", d.index, s.Mean[d.index], d.std)
	}
}
