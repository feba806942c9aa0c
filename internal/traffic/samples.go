package traffic

// SampleNames are the display names bots choose from.
var SampleNames = []string{
	"Ana", "Pedro", "Rafael", "Deise", "Camila", "Victor",
	"Paula", "Juliana", "Lucas", "Marcos", "Mateus", "João",
	"Carla", "Bruno", "Renata", "Sofia",
}

// SamplePhrases are the lines bots say.
var SamplePhrases = []string{
	"Alguém viu algum filme bom?",
	"Preciso de uma recomendação urgente.",
	"Esse mês saiu muito filme bom!",
	"Vocês preferem dublado ou legendado?",
	"Interstellar é perfeito.",
	"Quero algo leve!",
	"Alguém entendeu Tenet?",
	"Recomendações de terror psicológico?",
}
