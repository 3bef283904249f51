package sweep_test

import (
	"fmt"

	"github.com/lcdlab/sponexp/sweep"
)

func ExampleLinear() {
	v, _ := sweep.Linear(25, 50, 6)
	fmt.Println(v)
	// Output: [25 30 35 40 45 50]
}

func ExampleLog() {
	v, _ := sweep.Log(100, 100000, 4)
	fmt.Println(v)
	// Output: [100 1000 10000 100000]
}

func ExampleStep() {
	v, _ := sweep.Step(80, 60, 5)
	fmt.Println(v)
	// Output: [80 75 70 65 60]
}

func ExamplePlan() {
	pts, _ := sweep.Plan(sweep.Spec{
		Temperatures: []float64{25, 50},
		Voltages:     []float64{1, 2},
	})
	for _, p := range pts {
		fmt.Println(p)
	}
	// Output:
	// #0 T=25 C V=1 V
	// #1 T=25 C V=2 V
	// #2 T=50 C V=1 V
	// #3 T=50 C V=2 V
}
