package quantization

// defaultTestPrompts is the sanity-check and fallback calibration set. It
// covers the core senior-secondary subjects the tutor is deployed for.
var defaultTestPrompts = []string{
	"Mathematics: Solve the quadratic equation 2x^2 - 7x + 3 = 0 and show each step.",
	"Mathematics: Find the sum of the first 20 terms of the arithmetic progression 3, 7, 11, ...",
	"Physics: A car accelerates uniformly from rest to 20 m/s in 5 seconds. Calculate its acceleration and the distance covered.",
	"Physics: State Ohm's law and explain how the resistance of a wire depends on its length.",
	"Biology: Explain the process of photosynthesis and write its balanced chemical equation.",
	"Biology: Describe the functions of the red blood cells, white blood cells and platelets.",
	"Chemistry: Balance the equation for the combustion of methane and name the products.",
	"Chemistry: Explain the difference between ionic and covalent bonding with one example each.",
	"English Language: Identify the figure of speech in the sentence 'The wind whispered through the trees'.",
	"Economics: Explain the law of demand and list three factors that can shift the demand curve.",
}

// DefaultTestPrompts returns a copy of the built-in prompt set.
func DefaultTestPrompts() []string {
	return append([]string(nil), defaultTestPrompts...)
}
