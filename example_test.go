package stepstream_test

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/advbet/stepstream"
)

func Example() {
	http.Handle("/stream", stepstream.NewHandler("/stream", stepstream.NewProducer(), stepstream.StepConfig, nil, nil))
	fmt.Println(http.ListenAndServe(":8000", nil))

	// Test with:
	//   curl -N http://localhost:8000/stream
}

func ExampleProducer() {
	p := stepstream.NewProducer()
	p.Delay = time.Millisecond

	for e := range p.Open(context.Background()) {
		fmt.Println(e.Data)
	}
	// Output:
	// Step 1: Data loading complete...
	// Step 2: Preprocessing data...
	// Step 3: Model inference started...
	// Step 4: Calculating results...
	// Step 5: Postprocessing results...
	// Step 6: Analysis complete.
	// FINISHED
}
